package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
)

// Windows are stored as a hash {count, resetAt(ms epoch)} under this prefix
const keyPrefix = "ratelimit:"

func Key(subject string) string {
	return keyPrefix + subject
}

// Reads the stored window for subject. Returns nil when no window exists.
func ReadWindow(ctx context.Context, redis *storage.RedisClient, subject string) (*models.RateWindow, error) {
	fields, err := redis.HGetAll(ctx, Key(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to read rate window: %w", err)
	}
	return parseWindow(fields)
}

// Time until the store evicts the subject's window; false when there is no window
// or it carries no expiry.
func WindowTTL(ctx context.Context, redis *storage.RedisClient, subject string) (time.Duration, bool, error) {
	ttl, err := redis.PTTL(ctx, Key(subject))
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rate window expiry: %w", err)
	}
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// Deletes the stored window so the subject's next request opens a fresh one
func ResetWindow(ctx context.Context, redis *storage.RedisClient, subject string) (bool, error) {
	n, err := redis.Del(ctx, Key(subject))
	if err != nil {
		return false, fmt.Errorf("failed to reset rate window: %w", err)
	}
	return n > 0, nil
}

func parseWindow(fields map[string]string) (*models.RateWindow, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt rate window count %q: %w", fields["count"], err)
	}
	resetAt, err := strconv.ParseInt(fields["resetAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt rate window resetAt %q: %w", fields["resetAt"], err)
	}

	return &models.RateWindow{Count: count, ResetAt: time.UnixMilli(resetAt)}, nil
}

// Expiry for a live window; never below 1ms so the key still gets a TTL at the boundary
func remainingTTL(resetAt, now time.Time) time.Duration {
	if ttl := resetAt.Sub(now); ttl >= time.Millisecond {
		return ttl
	}
	return time.Millisecond
}
