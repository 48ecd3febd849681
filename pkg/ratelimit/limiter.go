// Package ratelimit implements the Rate & Idempotency Guards:
// sliding-window limits for message submission and SSE connect attempts,
// plus an idempotency-key store. An in-memory default and a Redis-backed
// mode (feature-gated) share the same Limiter interface.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default guard windows.
const (
	MessageRateLimit    = 20
	MessageRateWindow   = 60 * time.Second
	SSEConnectRateLimit = 10
	SSEConnectRateWindow = 60 * time.Second
)

// Limiter reports whether an action keyed by key is currently allowed
// under a sliding window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a sliding-window limiter backed by an in-process map.
// It is the default mode; RedisLimiter is used instead when the Redis
// rate-limit feature gate is enabled.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

// NewMemoryLimiter creates a limiter allowing at most limit actions per
// key within window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

// Allow records an attempt for key at time.Now and reports whether it is
// within the limit.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return m.AllowAt(key, time.Now()), nil
}

// AllowAt is the time-parameterized form Allow delegates to, exposed for
// deterministic tests.
func (m *MemoryLimiter) AllowAt(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.window)
	existing := m.hits[key]
	kept := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= m.limit {
		m.hits[key] = kept
		return false
	}
	m.hits[key] = append(kept, now)
	return true
}
