// Package cache stores generated alt-text results keyed by content
// fingerprint. Keys are only ever derived from normalized payloads
// (internal/image); raw request bytes never reach this package.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var ErrMiss = errors.New("cache miss")

// Usage mirrors the token accounting returned by the vision model.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Meta describes how a result was produced.
type Meta struct {
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Result is the cached value: the serialized result object shared by every
// caller whose image content hashes identically.
type Result struct {
	AltText  string   `json:"altText"`
	Warnings []string `json:"warnings,omitempty"`
	Usage    Usage    `json:"usage"`
	Meta     Meta     `json:"meta"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (r *Result) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (r *Result) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// Store is the backing-store seam: a shared durable store with TTL eviction,
// or a process-local fallback.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Result, error) // ErrMiss when absent
	Set(ctx context.Context, fingerprint string, result *Result, ttl time.Duration) error
	FlushAll(ctx context.Context) (int, error)
}

// Cache wraps a Store with the degradation contract: a failing store reads as
// a miss and drops writes, it never fails a request.
type Cache struct {
	store Store
	ttl   time.Duration
	log   zerolog.Logger
}

func New(store Store, ttl time.Duration, log zerolog.Logger) *Cache {
	return &Cache{store: store, ttl: ttl, log: log}
}

func (c *Cache) Get(ctx context.Context, fingerprint string) (*Result, bool) {
	result, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache read failed, treating as miss")
		}
		return nil, false
	}
	return result, true
}

// Set is write-and-forget: a failed write is logged and discarded.
func (c *Cache) Set(ctx context.Context, fingerprint string, result *Result) {
	if err := c.store.Set(ctx, fingerprint, result, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache write discarded")
	}
}

func (c *Cache) FlushAll(ctx context.Context) (int, error) {
	return c.store.FlushAll(ctx)
}
