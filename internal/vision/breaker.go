package vision

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps a Describer with a circuit breaker so a struggling vision
// endpoint sheds load fast instead of holding requests for the full timeout.
type Breaker struct {
	inner Describer
	cb    *gobreaker.CircuitBreaker
}

func NewBreaker(inner Describer) Describer {
	settings := gobreaker.Settings{
		Name:        "vision",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Describe(ctx context.Context, req *Request) (*Result, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Describe(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Result), nil
}
