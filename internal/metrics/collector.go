// Package metrics exposes RouteCodex's Prometheus collectors: HTTP request
// counts/latency, routing decisions, health-tracker ban state, token-daemon
// refresh outcomes, and guardian registration counts. Adapted from the
// teacher's internal/metrics.Collector, trimmed to this proxy's domain
// (the teacher's agent/cache/db metric groups have no equivalent here).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every Prometheus collector RouteCodex registers.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	routingDecisionsTotal *prometheus.CounterVec
	routingNoHealthyTotal *prometheus.CounterVec

	healthBannedTargets  *prometheus.GaugeVec
	healthConsecutiveErr *prometheus.GaugeVec

	tokenRefreshTotal    *prometheus.CounterVec
	tokenRefreshDuration *prometheus.HistogramVec

	guardianRegistrations prometheus.Gauge
}

// NewCollector registers every collector under namespace and returns the
// handle used by httpserver, router, health, and tokendaemon to record
// outcomes.
func NewCollector(namespace string) *Collector {
	c := &Collector{}

	c.httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests handled by the front door.",
	}, []string{"method", "path", "status"})

	c.httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.httpRequestSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_size_bytes",
		Help:      "HTTP request body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"method", "path"})

	c.httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"method", "path"})

	c.routingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_decisions_total",
		Help:      "Routing decisions by category, provider, and outcome.",
	}, []string{"category", "provider", "outcome"})

	c.routingNoHealthyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_no_healthy_target_total",
		Help:      "Requests that found no healthy target for their category.",
	}, []string{"category"})

	c.healthBannedTargets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_banned_targets",
		Help:      "1 if (provider, keyAlias) is currently banned, else 0.",
	}, []string{"provider", "key_alias"})

	c.healthConsecutiveErr = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_consecutive_errors",
		Help:      "Current consecutive error count per (provider, keyAlias).",
	}, []string{"provider", "key_alias"})

	c.tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refresh_total",
		Help:      "OAuth token refresh attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	c.tokenRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "token_refresh_duration_seconds",
		Help:      "OAuth token refresh exchange duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	c.guardianRegistrations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "guardian_registrations",
		Help:      "Current number of processes registered with the guardian daemon.",
	})

	return c
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, reqSize, respSize int64) {
	statusStr := statusBucket(status)
	c.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if reqSize > 0 {
		c.httpRequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	}
	if respSize > 0 {
		c.httpResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
	}
}

func (c *Collector) RecordRoutingDecision(category, provider, outcome string) {
	c.routingDecisionsTotal.WithLabelValues(category, provider, outcome).Inc()
}

func (c *Collector) RecordNoHealthyTarget(category string) {
	c.routingNoHealthyTotal.WithLabelValues(category).Inc()
}

func (c *Collector) SetHealthBanned(provider, keyAlias string, banned bool) {
	v := 0.0
	if banned {
		v = 1.0
	}
	c.healthBannedTargets.WithLabelValues(provider, keyAlias).Set(v)
}

func (c *Collector) SetHealthConsecutiveErrors(provider, keyAlias string, n int) {
	c.healthConsecutiveErr.WithLabelValues(provider, keyAlias).Set(float64(n))
}

func (c *Collector) RecordTokenRefresh(provider, outcome string, duration time.Duration) {
	c.tokenRefreshTotal.WithLabelValues(provider, outcome).Inc()
	c.tokenRefreshDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (c *Collector) SetGuardianRegistrations(n int) {
	c.guardianRegistrations.Set(float64(n))
}

func statusBucket(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
