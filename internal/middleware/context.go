package middleware

import (
	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Keys set on the gin context by this package
const (
	RequestIDKey = "request_id"
	IdentityKey  = "identity"
	RateLimitKey = "rate_limit"
)

// Identity stored by RequireAuth, nil before it ran
func GetIdentity(c *gin.Context) *models.Identity {
	v, exists := c.Get(IdentityKey)
	if !exists {
		return nil
	}
	identity, _ := v.(*models.Identity)
	return identity
}

// Decision stored by RateLimit
func GetDecision(c *gin.Context) (ratelimit.Decision, bool) {
	v, exists := c.Get(RateLimitKey)
	if !exists {
		return ratelimit.Decision{}, false
	}
	d, ok := v.(ratelimit.Decision)
	return d, ok
}

func subjectOf(c *gin.Context) string {
	if identity := GetIdentity(c); identity != nil {
		return identity.Subject
	}
	return ""
}
