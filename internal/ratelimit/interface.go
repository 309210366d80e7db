package ratelimit

import (
	"context"
	"time"
)

// Outcome of one quota check
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// RetryAfter is how long a rejected caller should wait, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Fixed-window quota keyed by subject.
//
// A window starts on the first request and ends at ResetAt. The request that
// brings the count to the limit is the last one admitted; later requests are
// rejected without touching the stored window.
type Limiter interface {
	Check(ctx context.Context, subject string, now time.Time) (Decision, error)

	Limit() int

	Window() time.Duration
}
