package middleware

import (
	"strconv"

	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Counts requests by matched route pattern, so raw paths never become labels
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
