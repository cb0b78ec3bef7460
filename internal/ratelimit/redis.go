package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares limits across instances through Redis. It uses GCRA
// with the burst equal to the limit, so a quiet identifier may spend the
// whole window's allowance at once as with StoreLimiter.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{limiter: redis_rate.NewLimiter(client)}
}

// CheckAndRecord implements Limiter
func (l *RedisLimiter) CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	res, err := l.limiter.Allow(ctx, "usio:ratelimit:"+identifier, redis_rate.Limit{
		Rate:   limit,
		Burst:  limit,
		Period: window,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}

	now := time.Now()
	resetAt := now.Add(res.ResetAfter)
	if res.Allowed == 0 {
		resetAt = now.Add(res.RetryAfter)
	}
	return Decision{
		Allowed:   res.Allowed > 0,
		Limit:     limit,
		Remaining: res.Remaining,
		ResetAt:   resetAt,
	}, nil
}
