package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements the same sliding-window algorithm as
// MemoryLimiter but against a shared Redis ZSET, so limits hold across
// multiple pipeline-server processes: remove expired entries, count what
// remains, add the new entry only if under the limit, and fail open on
// any Redis error so a cache outage never blocks legitimate traffic.
type RedisLimiter struct {
	client    *redis.Client
	namespace string
	limit     int
	window    time.Duration
}

// NewRedisLimiter builds a Redis-backed limiter. namespace scopes keys so
// multiple guards (message rate, SSE connect rate) can share one Redis
// instance without colliding.
func NewRedisLimiter(client *redis.Client, namespace string, limit int, window time.Duration) *RedisLimiter {
	if namespace == "" {
		namespace = "pipeline:ratelimit"
	}
	return &RedisLimiter{client: client, namespace: namespace, limit: limit, window: window}
}

// Allow checks and, if under the limit, records an attempt for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-r.window)
	zkey := fmt.Sprintf("%s:%s", r.namespace, key)

	if err := r.client.ZRemRangeByScore(ctx, zkey, "0", fmt.Sprintf("%d", windowStart.UnixMicro())).Err(); err != nil {
		slog.Warn("ratelimit: failed to trim old entries, failing open", "key", key, "error", err)
		return true, nil
	}

	count, err := r.client.ZCount(ctx, zkey, fmt.Sprintf("%d", windowStart.UnixMicro()), "+inf").Result()
	if err != nil {
		slog.Warn("ratelimit: failed to count window, failing open", "key", key, "error", err)
		return true, nil
	}

	if count >= int64(r.limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixMicro()), Member: member}).Err(); err != nil {
		slog.Warn("ratelimit: failed to record attempt, failing open", "key", key, "error", err)
		return true, nil
	}
	r.client.Expire(ctx, zkey, 2*r.window)

	return true, nil
}
