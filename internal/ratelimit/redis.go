package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"codepair/internal/monitor"
)

const keyPrefix = "codepair:rl:"

// RedisLimiter counts requests in a shared cache so limits hold across
// instances. An unreachable cache fails open.
type RedisLimiter struct {
	client  redis.Cmdable
	classes map[string]Class
	metrics *monitor.Metrics
}

// NewRedisLimiter creates a limiter. metrics may be nil.
func NewRedisLimiter(client redis.Cmdable, classes map[string]Class, metrics *monitor.Metrics) *RedisLimiter {
	return &RedisLimiter{client: client, classes: classes, metrics: metrics}
}

func (l *RedisLimiter) Allow(ctx context.Context, identity, class string) Decision {
	c, ok := l.classes[class]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}
	key := keyPrefix + class + ":" + identity

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.failOpen(err, class)
	}

	count := incr.Val()
	remaining := ttl.Val()
	if count == 1 || remaining < 0 {
		if err := l.client.PExpire(ctx, key, c.Window).Err(); err != nil {
			return l.failOpen(err, class)
		}
		remaining = c.Window
	}

	if count > c.Limit {
		// Rejections do not consume quota.
		if err := l.client.Decr(ctx, key).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limit decrement failed")
		}
		record(l.metrics, class, "limited")
		return Decision{Allowed: false, Remaining: 0, RetryAfter: remaining}
	}

	record(l.metrics, class, "allowed")
	return Decision{Allowed: true, Remaining: c.Limit - count}
}

func (l *RedisLimiter) failOpen(err error, class string) Decision {
	log.Warn().Err(err).Str("class", class).Msg("rate limit cache unreachable, allowing request")
	record(l.metrics, class, "fail_open")
	return Decision{Allowed: true, Remaining: -1}
}
