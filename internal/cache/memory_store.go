package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryStore is the process-local fallback. It never evicts, so it grows
// with every distinct image seen, and it is invisible to other processes;
// construction logs a warning so deployments cannot pick it up silently.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Result
}

func NewMemoryStore(log zerolog.Logger) Store {
	log.Warn().Msg("using in-memory result cache: unbounded growth, unsuitable for multi-process deployments")
	return &MemoryStore{entries: map[string]*Result{}}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.entries[fingerprint]
	if !ok {
		return nil, ErrMiss
	}
	return result, nil
}

// Set ignores ttl: there is no eviction here.
func (s *MemoryStore) Set(ctx context.Context, fingerprint string, result *Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = result
	return nil
}

func (s *MemoryStore) FlushAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = map[string]*Result{}
	return n, nil
}
