package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/service"
	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// Satisfied by *service.AuthService
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*models.Identity, error)
}

// Verifies the bearer token and stores the caller's identity on the context
func RequireAuth(verifier TokenVerifier, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			m.AuthFailures.Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid Authorization header",
			})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			m.AuthFailures.Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid token",
				"details": failureDetails(err),
			})
			return
		}

		c.Set(IdentityKey, identity)

		c.Next()
	}
}

func failureDetails(err error) string {
	var authErr *service.AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return err.Error()
}
