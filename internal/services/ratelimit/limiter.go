package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const window = 60 * time.Second

// Limiter is a fixed-window per-key RPM counter over redis. Fixed window,
// not sliding: a burst straddling a window boundary can briefly see up to
// twice the limit. The counter key is shared, so the limit applies
// cluster-wide across worker processes.
type Limiter struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewLimiter(redisClient *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{redis: redisClient, logger: logger}
}

func counterKey(apiKeyID uuid.UUID) string {
	return "ratelimit:" + apiKeyID.String()
}

// Allow increments the key's window counter and reports whether the request
// is within limit. The TTL is set only when the counter is created, so the
// window expires 60s after its first request.
func (l *Limiter) Allow(ctx context.Context, apiKeyID uuid.UUID, limitRPM int) (bool, error) {
	if limitRPM <= 0 {
		return true, nil
	}

	key := counterKey(apiKeyID)
	n, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr failed: %w", err)
	}
	if n == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			l.logger.Warn("Failed to set rate limit TTL", zap.Error(err))
		}
	}

	if n > int64(limitRPM) {
		l.logger.Debug("Rate limit exceeded",
			zap.String("api_key_id", apiKeyID.String()),
			zap.Int64("count", n),
			zap.Int("limit_rpm", limitRPM))
		return false, nil
	}
	return true, nil
}
