package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// MemoryStore is the process-local window store. Stale windows for sites that
// stopped calling are swept opportunistically, on roughly one call in a
// hundred; until then an idle window costs at most one pruned slice.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryStore() WindowStore {
	return &MemoryStore{windows: map[string][]time.Time{}}
}

func (s *MemoryStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	w := prune(s.windows[key], cutoff)
	w = append(w, now)
	s.windows[key] = w

	if rand.IntN(100) == 0 {
		s.sweep(cutoff)
	}
	return len(w), nil
}

func prune(w []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	return w[i:]
}

// sweep drops windows with no attempts inside the current window. Caller
// holds the lock.
func (s *MemoryStore) sweep(cutoff time.Time) {
	for key, w := range s.windows {
		if len(w) == 0 || !w[len(w)-1].After(cutoff) {
			delete(s.windows, key)
		}
	}
}
