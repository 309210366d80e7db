package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/gin-gonic/gin"
)

const (
	ServiceName    = "xvpn-gateway"
	ServiceVersion = "1.0.0"
)

// Unauthenticated informational endpoints and the authenticated 404
type SystemHandler struct {
	now func() time.Time
}

func NewSystemHandler(now func() time.Time) *SystemHandler {
	if now == nil {
		now = time.Now
	}
	return &SystemHandler{now: now}
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": models.FormatTimestamp(h.now()),
	})
}

// Describes the service and its endpoints
func (h *SystemHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    ServiceName,
		"version": ServiceVersion,
		"endpoints": gin.H{
			"health":  "/health",
			"proxy":   "/proxy",
			"session": "/session",
		},
	})
}

func (h *SystemHandler) NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}
