package handler

import (
	"net/http"

	"github.com/aman-churiwal/xvpn-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/xvpn-gateway/internal/healthcheck"
	"github.com/gin-gonic/gin"
)

// Satisfied by *healthcheck.Checker
type HealthReporter interface {
	GetAllStatus() map[string]healthcheck.Status
	OverallHealth() healthcheck.HealthStatus
}

// Satisfied by *proxy.Forwarder
type BreakerControl interface {
	TrippedHosts() map[string]circuitbreaker.State
	ResetHost(host string) bool
}

// Operator endpoints served on the admin listener only
type AdminHandler struct {
	health   HealthReporter
	breakers BreakerControl
}

func NewAdminHandler(health HealthReporter, breakers BreakerControl) *AdminHandler {
	return &AdminHandler{health: health, breakers: breakers}
}

// 200 when every dependency probe passes, 503 otherwise
func (h *AdminHandler) Ready(c *gin.Context) {
	overall := h.health.OverallHealth()

	status := http.StatusOK
	if overall != healthcheck.Healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":       overall.String(),
		"dependencies": h.health.GetAllStatus(),
	})
}

// Destination hosts whose circuit is not closed
func (h *AdminHandler) Breakers(c *gin.Context) {
	states := make(map[string]string)
	for host, s := range h.breakers.TrippedHosts() {
		states[host] = s.String()
	}

	c.JSON(http.StatusOK, gin.H{"tripped": states})
}

func (h *AdminHandler) ResetBreaker(c *gin.Context) {
	host := c.Param("host")

	if !h.breakers.ResetHost(host) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No breaker for host"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"host":    host,
	})
}
