package license

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("license not found")

// Plan credit allowances per billing period.
var planCredits = map[string]int64{
	"free":    10,
	"starter": 100,
	"growth":  500,
	"pro":     2000,
}

// Credits returns the monthly allowance for a plan. Unknown plans get zero,
// which the quota ledger treats as "nothing left" rather than an error.
func Credits(plan string) int64 {
	return planCredits[plan]
}

type License struct {
	Key        string    `json:"key"`
	Plan       string    `json:"plan"`
	BillingDay int       `json:"billing_day"` // 1-31, anchor for the billing period
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (l *License) MarshalBinary() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (l *License) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, l)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*License, error)
	Create(ctx context.Context, lic *License) error
	Deactivate(ctx context.Context, key string) error
}
