package handler

import (
	"net/http"

	"github.com/aman-churiwal/xvpn-gateway/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Reports the caller's identity and remaining quota
func Session(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
		return
	}
	decision, _ := middleware.GetDecision(c)

	c.JSON(http.StatusOK, gin.H{
		"userId":        identity.Subject,
		"email":         identity.Email,
		"emailVerified": identity.EmailVerified,
		"rateLimit": gin.H{
			"remaining": decision.Remaining,
		},
	})
}
