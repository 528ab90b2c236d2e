package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/altify/alttext-api/internal/license"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is one billable operation. Rows are append-only: once inserted they
// are never mutated, making the log the durable source of truth the quota
// summaries aggregate.
type Entry struct {
	ID           string
	LicenseKey   string
	SiteID       string
	UserID       string
	Credits      int64
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	CacheHit     bool
	Status       string
	CreatedAt    time.Time
}

// UserUsage and SiteUsage are read-side aggregation rows; they may lag the
// ledger and are kept off the hot path.
type UserUsage struct {
	UserID   string `json:"user_id"`
	Requests int64  `json:"requests"`
	Credits  int64  `json:"credits"`
}

type SiteUsage struct {
	SiteID   string `json:"site_id"`
	Requests int64  `json:"requests"`
	Credits  int64  `json:"credits"`
}

type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	ListByLicense(ctx context.Context, licenseKey string, from, to time.Time) ([]*Entry, error)
	ByUser(ctx context.Context, licenseKey string, from, to time.Time) ([]UserUsage, error)
	BySite(ctx context.Context, licenseKey string, from, to time.Time) ([]SiteUsage, error)
}

// ledger is the slice of quota.Ledger the recorder drives.
type ledger interface {
	RecordConsumption(ctx context.Context, lic *license.License, site string, credits int64) error
}

// Recorder writes the audit trail and is the sole trigger for ledger
// updates: no insert, no consumption.
type Recorder struct {
	store  Store
	ledger ledger
	log    zerolog.Logger
}

func NewRecorder(store Store, ledger ledger, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, ledger: ledger, log: log}
}

// Record inserts the entry and, only on success, charges the ledger.
// Failures are logged with enough context to reconstruct the gap; the
// caller's response is already decided by the time this runs.
func (r *Recorder) Record(ctx context.Context, lic *license.License, entry *Entry) error {
	entry.LicenseKey = lic.Key

	if err := r.store.Insert(ctx, entry); err != nil {
		r.log.Error().Err(err).
			Str("license", lic.Key).
			Str("site", entry.SiteID).
			Int64("credits", entry.Credits).
			Msg("usage insert failed; consumption not recorded")
		return err
	}

	if entry.Credits <= 0 {
		return nil
	}

	if err := r.ledger.RecordConsumption(ctx, lic, entry.SiteID, entry.Credits); err != nil {
		r.log.Error().Err(err).
			Str("license", lic.Key).
			Str("site", entry.SiteID).
			Str("usage_id", entry.ID).
			Int64("credits", entry.Credits).
			Msg("ledger update failed after usage insert; accounting gap")
		return err
	}
	return nil
}
