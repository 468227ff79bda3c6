package agg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRing is the distributed Ring variant: an RPUSH/LTRIM capped list per
// (symbol, interval) under agg:{symbol}:{interval}.
type RedisRing struct {
	rdb      *redis.Client
	capacity int
}

func NewRedisRing(rdb *redis.Client, capacity int) *RedisRing {
	if capacity <= 0 {
		capacity = 5
	}
	return &RedisRing{rdb: rdb, capacity: capacity}
}

func ringRedisKey(symbol, interval string) string {
	return fmt.Sprintf("agg:%s:%s", symbol, interval)
}

func (r *RedisRing) Put(ctx context.Context, symbol, interval string, b BucketSummary) error {
	val, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bucket: %w", err)
	}
	key := ringRedisKey(symbol, interval)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, val)
	pipe.LTrim(ctx, key, int64(-r.capacity), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ring push %s: %w", key, err)
	}
	return nil
}

func (r *RedisRing) GetAll(ctx context.Context, symbol, interval string) ([]BucketSummary, error) {
	key := ringRedisKey(symbol, interval)
	raw, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ring range %s: %w", key, err)
	}
	out := make([]BucketSummary, 0, len(raw))
	for _, s := range raw {
		var b BucketSummary
		if err := json.Unmarshal([]byte(s), &b); err != nil {
			return nil, fmt.Errorf("decode ring entry: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}
