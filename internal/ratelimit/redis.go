package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps the window counters in Redis. INCR is atomic, so no
// locking is needed across workers.
type RedisCounter struct {
	RC *redis.Client
}

func NewRedisCounter(rc *redis.Client) *RedisCounter { return &RedisCounter{RC: rc} }

func (c *RedisCounter) Values(ctx context.Context, keys ...string) ([]int64, error) {
	raw, err := c.RC.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.RC.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, key)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}
