package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kyegomez/KosmosX-API/internal/shared/redis"
)

// RedisLimiter shares fixed windows across gateway replicas
type RedisLimiter struct {
	redis    *redis.Client
	limit    int
	interval time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, interval time.Duration) *RedisLimiter {
	return &RedisLimiter{redis: client, limit: limit, interval: interval}
}

// CheckAndIncrement fails open when Redis is unreachable
func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, identity string) (Decision, error) {
	res, err := l.redis.CheckFixedWindow(ctx, "ratelimit:"+identity, l.limit, l.interval)
	if err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("Rate limit check failed, allowing request")
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}, nil
	}

	if !res.Allowed {
		retry := res.TTL
		if retry <= 0 {
			retry = l.interval
		}
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: retry}, nil
	}

	remaining := l.limit - int(res.Count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: l.limit, Remaining: remaining}, nil
}
