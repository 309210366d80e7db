package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/aman-churiwal/xvpn-gateway/internal/middleware"
	"github.com/aman-churiwal/xvpn-gateway/internal/policy"
	"github.com/aman-churiwal/xvpn-gateway/internal/proxy"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const reasonDomainNotAllowed = "domain_not_allowed"

// Satisfied by *policy.DomainPolicy
type TargetPolicy interface {
	Check(targetURL string) (*url.URL, error)
}

// Satisfied by *proxy.Forwarder
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// Satisfied by *audit.Logger
type Auditor interface {
	ProxyRequest(subject, target, method string)
	ProxyBlocked(subject, target, reason string)
	ProxyError(subject, target, errMsg string)
}

type ProxyHandler struct {
	policy    TargetPolicy
	forwarder Forwarder
	audit     Auditor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewProxyHandler(p TargetPolicy, f Forwarder, a Auditor, m *metrics.Metrics, logger zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{
		policy:    p,
		forwarder: f,
		audit:     a,
		metrics:   m,
		logger:    logger.With().Str("component", "proxy").Logger(),
	}
}

// Forwards the request to the URL named in X-Target-URL and relays the answer
func (h *ProxyHandler) Handle(c *gin.Context) {
	rawTarget := c.GetHeader(proxy.HeaderTargetURL)
	if rawTarget == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Target-URL header is required"})
		return
	}

	subject := ""
	if identity := middleware.GetIdentity(c); identity != nil {
		subject = identity.Subject
	}

	target, err := h.policy.Check(rawTarget)
	switch {
	case errors.Is(err, policy.ErrDomainNotAllowed):
		h.metrics.PolicyBlocked.Inc()
		h.audit.ProxyBlocked(subject, rawTarget, reasonDomainNotAllowed)
		c.JSON(http.StatusForbidden, gin.H{"error": "Domain not allowed"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid target URL"})
		return
	}

	h.audit.ProxyRequest(subject, rawTarget, c.Request.Method)

	start := time.Now()
	resp, err := h.forwarder.Forward(c.Request.Context(), proxy.Request{
		Method:        c.Request.Method,
		Header:        c.Request.Header,
		Body:          c.Request.Body,
		ContentLength: c.Request.ContentLength,
		Target:        target,
	})
	if err != nil {
		h.metrics.ForwardDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())

		details := err.Error()
		var fwdErr *proxy.ForwardError
		if errors.As(err, &fwdErr) {
			details = fwdErr.Details()
		}

		h.audit.ProxyError(subject, rawTarget, details)
		h.logger.Warn().
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Str("host", target.Host).
			Str("error", details).
			Msg("forward failed")

		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Proxy request failed",
			"details": details,
		})
		return
	}
	defer resp.Body.Close()

	h.metrics.ForwardDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if _, err := proxy.WriteResponse(c.Writer, resp); err != nil {
		// headers are already out; all that is left is to note it
		_ = c.Error(err)
		h.logger.Debug().Err(err).Str("host", target.Host).Msg("relay interrupted")
	}
}
