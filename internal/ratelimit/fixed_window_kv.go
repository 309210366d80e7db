package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
)

// Plain read-then-write fixed window for stores without scripting.
//
// Two requests for the same subject that both read count < limit before either
// writes will both be admitted, so a burst can overrun the limit by the number
// of concurrent requests. The overrun is bounded to one window and accepted.
type FixedWindowKVLimiter struct {
	redis  *storage.RedisClient
	limit  int
	window time.Duration
}

func NewFixedWindowKV(redis *storage.RedisClient, limit int, window time.Duration) *FixedWindowKVLimiter {
	return &FixedWindowKVLimiter{
		redis:  redis,
		limit:  limit,
		window: window,
	}
}

func (f *FixedWindowKVLimiter) Check(ctx context.Context, subject string, now time.Time) (Decision, error) {
	key := Key(subject)

	current, err := ReadWindow(ctx, f.redis, subject)
	if err != nil {
		return Decision{}, err
	}

	if current == nil || current.Expired(now) {
		resetAt := now.Add(f.window)
		if err := f.write(ctx, key, 1, resetAt, f.window, true); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Remaining: f.limit - 1, ResetAt: resetAt, Limit: f.limit}, nil
	}

	if current.Count >= int64(f.limit) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: current.ResetAt, Limit: f.limit}, nil
	}

	count := current.Count + 1
	if err := f.write(ctx, key, count, current.ResetAt, remainingTTL(current.ResetAt, now), false); err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:   true,
		Remaining: f.limit - int(count),
		ResetAt:   current.ResetAt,
		Limit:     f.limit,
	}, nil
}

func (f *FixedWindowKVLimiter) write(ctx context.Context, key string, count int64, resetAt time.Time, ttl time.Duration, fresh bool) error {
	pipe := f.redis.Pipeline()
	if fresh {
		pipe.HSet(ctx, key, "count", count, "resetAt", resetAt.UnixMilli())
	} else {
		pipe.HSet(ctx, key, "count", count)
	}
	pipe.PExpire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write rate window: %w", err)
	}
	return nil
}

func (f *FixedWindowKVLimiter) Limit() int {
	return f.limit
}

func (f *FixedWindowKVLimiter) Window() time.Duration {
	return f.window
}
