package license

import (
	"context"
	"errors"
	"fmt"

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

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*License, error) {
	query := `
		SELECT license_key, plan, billing_day_of_month, active, created_at
		FROM licenses
		WHERE license_key = $1 AND active = true
	`

	var l License
	err := s.db.QueryRow(ctx, query, key).Scan(
		&l.Key, &l.Plan, &l.BillingDay, &l.Active, &l.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	return &l, nil
}

func (s *PostgresStore) Create(ctx context.Context, lic *License) error {
	if lic.Key == "" {
		return fmt.Errorf("license_key is required")
	}
	if lic.BillingDay < 1 || lic.BillingDay > 31 {
		return fmt.Errorf("billing_day_of_month must be 1-31, got %d", lic.BillingDay)
	}

	query := `
		INSERT INTO licenses (license_key, plan, billing_day_of_month, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query,
		lic.Key, lic.Plan, lic.BillingDay, lic.Active,
	).Scan(&lic.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}

	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, key string) error {
	query := `UPDATE licenses SET active = false WHERE license_key = $1`
	tag, err := s.db.Exec(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to deactivate license: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
