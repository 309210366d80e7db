package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Read, compare and write run inside one script so concurrent requests for a
// subject can't overrun the limit.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[3])
local freshResetAt = ARGV[4]

local vals = redis.call('HMGET', key, 'count', 'resetAt')
local count, resetAt
if vals[1] then count = tonumber(vals[1]) end
if vals[2] then resetAt = tonumber(vals[2]) end

if count == nil or resetAt == nil or now > resetAt then
	redis.call('HSET', key, 'count', 1, 'resetAt', freshResetAt)
	redis.call('PEXPIRE', key, ARGV[2])
	return {1, max - 1, tonumber(freshResetAt)}
end

if count >= max then
	return {0, 0, resetAt}
end

count = count + 1
redis.call('HSET', key, 'count', count)
local ttl = resetAt - now
if ttl < 1 then ttl = 1 end
redis.call('PEXPIRE', key, ttl)
return {1, max - count, resetAt}
`)

type FixedWindowLimiter struct {
	redis  *storage.RedisClient
	limit  int
	window time.Duration
}

func NewFixedWindow(redis *storage.RedisClient, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		redis:  redis,
		limit:  limit,
		window: window,
	}
}

func (f *FixedWindowLimiter) Check(ctx context.Context, subject string, now time.Time) (Decision, error) {
	res, err := f.redis.RunScript(ctx, fixedWindowScript,
		[]string{Key(subject)},
		now.UnixMilli(), f.window.Milliseconds(), f.limit, now.Add(f.window).UnixMilli(),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
		Limit:     f.limit,
	}, nil
}

func (f *FixedWindowLimiter) Limit() int {
	return f.limit
}

func (f *FixedWindowLimiter) Window() time.Duration {
	return f.window
}
