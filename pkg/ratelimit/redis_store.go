package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each window as a sorted set of attempt timestamps, shared
// across processes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) WindowStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window).UnixNano()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.New().String(),
	})
	card := pipe.ZCard(ctx, key)
	// Idle windows vanish on their own; no sweeper needed on this store.
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis rate window: %w", err)
	}
	return int(card.Val()), nil
}
