package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// Charges one request to the authenticated subject's window. Must run after RequireAuth.
func RateLimit(limiter ratelimit.Limiter, now func() time.Time, m *metrics.Metrics, logger zerolog.Logger) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		subject := subjectOf(c)
		checkedAt := now()

		decision, err := limiter.Check(c.Request.Context(), subject, checkedAt)
		if err != nil {
			logger.Error().Err(err).
				Str("request_id", c.GetString(RequestIDKey)).
				Str("subject", subject).
				Msg("rate limit check failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limit check failed",
			})
			return
		}

		SetRateLimitHeaders(c.Writer.Header(), decision)
		c.Set(RateLimitKey, decision)

		if !decision.Allowed {
			m.RateLimitRejects.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision, checkedAt)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"resetAt": models.FormatTimestamp(decision.ResetAt),
			})
			return
		}

		c.Next()
	}
}

// Writes the quota headers for d, overwriting earlier values
func SetRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.UnixMilli(), 10))
}

func retryAfterSeconds(d ratelimit.Decision, now time.Time) int {
	return int(math.Ceil(d.RetryAfter(now).Seconds()))
}
