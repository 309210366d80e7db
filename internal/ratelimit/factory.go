package ratelimit

import (
	"fmt"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
)

const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmFixedWindowKV = "fixed_window_kv"
)

func NewLimiter(redis *storage.RedisClient, algorithm string, limit int, window time.Duration) (Limiter, error) {
	switch algorithm {
	case AlgorithmFixedWindow, "":
		return NewFixedWindow(redis, limit, window), nil
	case AlgorithmFixedWindowKV:
		return NewFixedWindowKV(redis, limit, window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", algorithm)
	}
}
