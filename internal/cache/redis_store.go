package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "altcache:"

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) Store {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Result, error) {
	var result Result
	err := s.rdb.Get(ctx, keyPrefix+fingerprint).Scan(&result)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return &result, nil
}

func (s *RedisStore) Set(ctx context.Context, fingerprint string, result *Result, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, keyPrefix+fingerprint, result, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// FlushAll removes every cached result and reports the count. It scans the
// key prefix rather than flushing the database: the redis instance also holds
// license lookups and rate windows.
func (s *RedisStore) FlushAll(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		flushed int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return flushed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return flushed, fmt.Errorf("redis del: %w", err)
			}
			flushed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return flushed, nil
		}
	}
}
