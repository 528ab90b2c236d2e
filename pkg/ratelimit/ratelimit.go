// Package ratelimit bounds request volume per caller site over a sliding
// time window.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// WindowStore holds per-key windows of recent attempt timestamps. Record
// prunes entries older than the window, appends now, and returns the number
// of attempts remaining in the window including the one just recorded.
type WindowStore interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

type Limiter struct {
	store  WindowStore
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(store WindowStore, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// NewLimiterAt pins the limiter's clock, for tests.
func NewLimiterAt(store WindowStore, limit int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, now: now}
}

// Check admits iff the window holds at most limit attempts, counting this
// one. The attempt is recorded whether or not it is admitted: a caller
// hammering a closed gate keeps the gate closed.
func (l *Limiter) Check(ctx context.Context, siteID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:site:%s", siteID)
	count, err := l.store.Record(ctx, key, l.now(), l.window)
	if err != nil {
		return false, err
	}
	return count <= l.limit, nil
}
