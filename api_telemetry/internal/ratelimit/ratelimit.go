// Package ratelimit decides whether an ingest request fits its key's budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter counts one request against key.
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
}

func decide(limit int, count int64, resetAt time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// RedisLimiter is a fixed-window counter shared by every replica.
type RedisLimiter struct {
	client goredis.Cmdable
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per key in each window.
func NewRedisLimiter(client goredis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "lookout:ratelimit:",
		now:    time.Now,
	}
}

func (l *RedisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	start := l.now().Truncate(l.window)
	redisKey := l.prefix + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return decide(l.limit, incr.Val(), start.Add(l.window)), nil
}

type counter struct {
	start time.Time
	count int64
}

// MemoryLimiter is the single-replica fallback used when Redis is not configured.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	windows   map[string]*counter
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*counter),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		for k, w := range l.windows {
			if w.start.Before(start) {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}

	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &counter{start: start}
		l.windows[key] = w
	}
	w.count++
	return decide(l.limit, w.count, start.Add(l.window)), nil
}
