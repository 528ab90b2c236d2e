package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO usage_logs (license_key, site_id, user_id, credits, input_tokens, output_tokens, latency_ms, cache_hit, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		entry.LicenseKey, entry.SiteID, entry.UserID, entry.Credits,
		entry.InputTokens, entry.OutputTokens, entry.LatencyMs, entry.CacheHit, entry.Status,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByLicense(ctx context.Context, licenseKey string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT id, license_key, site_id, user_id, credits, input_tokens, output_tokens, latency_ms, cache_hit, status, created_at
		FROM usage_logs
		WHERE license_key = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, licenseKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.LicenseKey, &e.SiteID, &e.UserID, &e.Credits,
			&e.InputTokens, &e.OutputTokens, &e.LatencyMs, &e.CacheHit, &e.Status, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) ByUser(ctx context.Context, licenseKey string, from, to time.Time) ([]UserUsage, error) {
	query := `
		SELECT user_id, COUNT(*), COALESCE(SUM(credits), 0)
		FROM usage_logs
		WHERE license_key = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY user_id
		ORDER BY SUM(credits) DESC
	`
	rows, err := s.db.Query(ctx, query, licenseKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage by user: %w", err)
	}
	defer rows.Close()

	var out []UserUsage
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.UserID, &u.Requests, &u.Credits); err != nil {
			return nil, fmt.Errorf("failed to scan user usage: %w", err)
		}
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user usage: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) BySite(ctx context.Context, licenseKey string, from, to time.Time) ([]SiteUsage, error) {
	query := `
		SELECT site_id, COUNT(*), COALESCE(SUM(credits), 0)
		FROM usage_logs
		WHERE license_key = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY site_id
		ORDER BY SUM(credits) DESC
	`
	rows, err := s.db.Query(ctx, query, licenseKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage by site: %w", err)
	}
	defer rows.Close()

	var out []SiteUsage
	for rows.Next() {
		var u SiteUsage
		if err := rows.Scan(&u.SiteID, &u.Requests, &u.Credits); err != nil {
			return nil, fmt.Errorf("failed to scan site usage: %w", err)
		}
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating site usage: %w", err)
	}

	return out, nil
}
