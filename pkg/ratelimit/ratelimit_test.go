package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)}
}

func testStores(t *testing.T) map[string]WindowStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]WindowStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb),
	}
}

func TestCheck_AdmitsExactlyTheLimit(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			limiter := NewLimiterAt(store, 60, time.Minute, clock.now)
			ctx := context.Background()

			for i := 0; i < 60; i++ {
				admitted, err := limiter.Check(ctx, "acme")
				if err != nil {
					t.Fatalf("Check %d: %v", i, err)
				}
				if !admitted {
					t.Fatalf("request %d within the limit was rejected", i+1)
				}
				clock.advance(100 * time.Millisecond)
			}

			admitted, err := limiter.Check(ctx, "acme")
			if err != nil {
				t.Fatalf("Check 61: %v", err)
			}
			if admitted {
				t.Error("61st request within the window should be rejected")
			}
		})
	}
}

func TestCheck_AdmissionResumesAfterWindow(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			limiter := NewLimiterAt(store, 3, time.Minute, clock.now)
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				if _, err := limiter.Check(ctx, "acme"); err != nil {
					t.Fatalf("Check: %v", err)
				}
			}

			clock.advance(time.Minute + time.Second)
			admitted, err := limiter.Check(ctx, "acme")
			if err != nil {
				t.Fatalf("Check after window: %v", err)
			}
			if !admitted {
				t.Error("admission should resume once the window elapses")
			}
		})
	}
}

func TestCheck_RejectedAttemptsStillCount(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			limiter := NewLimiterAt(store, 2, time.Minute, clock.now)
			ctx := context.Background()

			// t+0s and t+10s admitted, t+20s rejected but recorded.
			limiter.Check(ctx, "acme")
			clock.advance(10 * time.Second)
			limiter.Check(ctx, "acme")
			clock.advance(10 * time.Second)
			if admitted, _ := limiter.Check(ctx, "acme"); admitted {
				t.Fatal("third attempt should be rejected")
			}

			// At t+65s the t+0s attempt has aged out, but t+10s and the
			// recorded rejection at t+20s still fill the window.
			clock.advance(45 * time.Second)
			if admitted, _ := limiter.Check(ctx, "acme"); admitted {
				t.Error("rejected attempt must count toward the window")
			}
		})
	}
}

func TestCheck_SitesAreIndependent(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			limiter := NewLimiterAt(store, 1, time.Minute, clock.now)
			ctx := context.Background()

			limiter.Check(ctx, "acme")
			if admitted, _ := limiter.Check(ctx, "acme"); admitted {
				t.Fatal("acme should be throttled")
			}
			if admitted, _ := limiter.Check(ctx, "globex"); !admitted {
				t.Error("globex must not be throttled by acme's window")
			}
		})
	}
}
