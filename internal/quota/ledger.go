package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/altify/alttext-api/internal/license"
)

var (
	ErrSummaryNotFound = errors.New("quota summary not found")

	// ErrStoreUnavailable wraps backing-store failures during enforcement.
	// The ledger fails closed on these: a broken store never grants quota.
	ErrStoreUnavailable = errors.New("quota store unavailable")
)

// ExceededError is the structured QUOTA_EXCEEDED condition.
type ExceededError struct {
	CreditsUsed int64
	TotalLimit  int64
	ResetDate   time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d credits used, resets %s",
		e.CreditsUsed, e.TotalLimit, e.ResetDate.Format("2006-01-02"))
}

// Summary is one (license, period) accounting row.
type Summary struct {
	LicenseKey       string
	PeriodStart      time.Time
	TotalCreditsUsed int64
	TotalLimit       int64
	SiteUsage        map[string]int64 // values sum to TotalCreditsUsed
}

// Status is the read-only projection served to callers.
type Status struct {
	LicenseKey  string    `json:"license_key"`
	Plan        string    `json:"plan"`
	PeriodStart time.Time `json:"period_start"`
	ResetDate   time.Time `json:"reset_date"`
	CreditsUsed int64     `json:"credits_used"`
	TotalLimit  int64     `json:"total_limit"`
	Remaining   int64     `json:"remaining"`
	SiteUsed    int64     `json:"site_credits_used"`
}

type Store interface {
	GetSummary(ctx context.Context, licenseKey string, periodStart time.Time) (*Summary, error)
	// AddConsumption must apply the increment atomically at the store: create
	// the row with the given limit if absent, otherwise add to the running
	// totals. Two concurrent calls must never both observe the pre-increment
	// total.
	AddConsumption(ctx context.Context, licenseKey string, periodStart time.Time, site string, credits, limit int64) error
}

type Ledger struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewLedger(store Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, log: log, now: time.Now}
}

// NewLedgerAt pins the ledger's clock, for tests.
func NewLedgerAt(store Store, log zerolog.Logger, now func() time.Time) *Ledger {
	return &Ledger{store: store, log: log, now: now}
}

// Enforce rejects with *ExceededError exactly when used + needed would pass
// the period limit; spending the last credit is allowed. Called before the
// generation request goes out, never after.
func (l *Ledger) Enforce(ctx context.Context, lic *license.License, site string, creditsNeeded int64) error {
	start := PeriodStart(lic.BillingDay, l.now())

	var used, limit int64
	summary, err := l.store.GetSummary(ctx, lic.Key, start)
	switch {
	case err == nil:
		used = summary.TotalCreditsUsed
		limit = summary.TotalLimit
	case errors.Is(err, ErrSummaryNotFound):
		// First billable operation this period.
		used = 0
		limit = license.Credits(lic.Plan)
	default:
		l.log.Error().Err(err).
			Str("license", lic.Key).
			Time("period_start", start).
			Msg("quota read failed, failing closed")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if used+creditsNeeded > limit {
		return &ExceededError{
			CreditsUsed: used,
			TotalLimit:  limit,
			ResetDate:   PeriodEnd(lic.BillingDay, start),
		}
	}
	return nil
}

// RecordConsumption upserts the current period's summary, creating it with
// the plan's current limit when absent.
func (l *Ledger) RecordConsumption(ctx context.Context, lic *license.License, site string, credits int64) error {
	if credits <= 0 {
		return nil
	}
	start := PeriodStart(lic.BillingDay, l.now())
	err := l.store.AddConsumption(ctx, lic.Key, start, site, credits, license.Credits(lic.Plan))
	if err != nil {
		return fmt.Errorf("failed to record consumption: %w", err)
	}
	return nil
}

// Status tolerates both a missing summary (zero usage) and an unknown plan
// (zero limit); neither is an error.
func (l *Ledger) Status(ctx context.Context, lic *license.License, site string) (*Status, error) {
	start := PeriodStart(lic.BillingDay, l.now())

	st := &Status{
		LicenseKey:  lic.Key,
		Plan:        lic.Plan,
		PeriodStart: start,
		ResetDate:   PeriodEnd(lic.BillingDay, start),
		TotalLimit:  license.Credits(lic.Plan),
	}

	summary, err := l.store.GetSummary(ctx, lic.Key, start)
	if err != nil {
		if errors.Is(err, ErrSummaryNotFound) {
			st.Remaining = st.TotalLimit
			return st, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	st.CreditsUsed = summary.TotalCreditsUsed
	st.TotalLimit = summary.TotalLimit
	st.Remaining = summary.TotalLimit - summary.TotalCreditsUsed
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	st.SiteUsed = summary.SiteUsage[site]
	return st, nil
}
