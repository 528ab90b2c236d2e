package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSummary(ctx context.Context, licenseKey string, periodStart time.Time) (*Summary, error) {
	query := `
		SELECT total_credits_used, total_limit, site_usage
		FROM quota_summaries
		WHERE license_key = $1 AND period_start = $2
	`

	sum := &Summary{LicenseKey: licenseKey, PeriodStart: periodStart}
	var siteUsage []byte
	err := s.db.QueryRow(ctx, query, licenseKey, periodStart).Scan(
		&sum.TotalCreditsUsed, &sum.TotalLimit, &siteUsage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to get quota summary: %w", err)
	}

	if len(siteUsage) > 0 {
		if err := json.Unmarshal(siteUsage, &sum.SiteUsage); err != nil {
			return nil, fmt.Errorf("failed to decode site_usage: %w", err)
		}
	}
	if sum.SiteUsage == nil {
		sum.SiteUsage = map[string]int64{}
	}

	return sum, nil
}

// AddConsumption is a single upsert statement so the increment happens
// atomically inside the database; concurrent calls for the same period
// serialize on the row, not in this process.
func (s *PostgresStore) AddConsumption(ctx context.Context, licenseKey string, periodStart time.Time, site string, credits, limit int64) error {
	query := `
		INSERT INTO quota_summaries (license_key, period_start, total_credits_used, total_limit, site_usage)
		VALUES ($1, $2, $3, $4, jsonb_build_object($5::text, $3::bigint))
		ON CONFLICT (license_key, period_start) DO UPDATE SET
			total_credits_used = quota_summaries.total_credits_used + EXCLUDED.total_credits_used,
			site_usage = jsonb_set(
				quota_summaries.site_usage,
				ARRAY[$5::text],
				to_jsonb(COALESCE((quota_summaries.site_usage ->> $5)::bigint, 0) + $3::bigint)
			),
			updated_at = now()
	`

	if _, err := s.db.Exec(ctx, query, licenseKey, periodStart, credits, limit, site); err != nil {
		return fmt.Errorf("failed to add consumption: %w", err)
	}
	return nil
}
