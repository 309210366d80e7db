// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	HTTPRequests      *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	RateLimitRejects  prometheus.Counter
	PolicyBlocked     prometheus.Counter
	ForwardDuration   *prometheus.HistogramVec
	AuditEvents       *prometheus.CounterVec
	AuditDroppedTotal prometheus.Counter
	AuditSinkErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry, so tests can build as many as they like
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xvpn_http_requests_total",
				Help: "Requests handled, by route and status code",
			},
			[]string{"route", "code"},
		),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "xvpn_auth_failures_total",
			Help: "Requests rejected for a missing or invalid token",
		}),
		RateLimitRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "xvpn_ratelimit_rejections_total",
			Help: "Requests rejected because the subject's window was exhausted",
		}),
		PolicyBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "xvpn_policy_blocked_total",
			Help: "Proxy requests refused by the domain policy",
		}),
		ForwardDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xvpn_forward_duration_seconds",
				Help:    "Time to receive the destination's response headers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		AuditEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xvpn_audit_events_total",
				Help: "Audit events queued, by type",
			},
			[]string{"type"},
		),
		AuditDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "xvpn_audit_dropped_total",
			Help: "Audit events dropped because the queue was full or closed",
		}),
		AuditSinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xvpn_audit_sink_errors_total",
				Help: "Failed batch writes, by sink",
			},
			[]string{"sink"},
		),
		registry: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AuditRecorded(eventType string) {
	m.AuditEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AuditDropped() {
	m.AuditDroppedTotal.Inc()
}

func (m *Metrics) AuditSinkFailed(sink string) {
	m.AuditSinkErrors.WithLabelValues(sink).Inc()
}
