package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines request limiting parameters for the gateway.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RequestLimiter limits how fast a caller may submit notification requests.
// It is a sliding window over a Redis sorted set so that every gateway
// replica shares the same view. The dispatcher's forwarding ceiling is a
// separate, in-process limiter.
type RequestLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRequestLimiter creates a new limiter with the given configuration.
func NewRequestLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RequestLimiter {
	return &RequestLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RequestLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RequestLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	redisKey := "ratelimit:" + key

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := r.config.Limit - current

	if current+n > r.config.Limit {
		r.logger.Debug("request rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.Limit,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	txn := r.client.rdb.TxPipeline()
	for i := 0; i < n; i++ {
		txn.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()) + float64(i),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	txn.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := txn.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.Limit,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
