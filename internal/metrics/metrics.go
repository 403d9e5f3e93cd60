// Package metrics records per-request counters and latency
// histograms. Recording never blocks and never fails a request; the
// prometheus client's atomic counters take care of both.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's prometheus collectors on a private
// registry, so tests can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitedTotal *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec
	StoreFailures    prometheus.Counter
}

// New creates the gateway metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgegate_requests_total",
				Help: "Requests handled by the gateway, by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgegate_request_duration_seconds",
				Help:    "End-to-end request latency through the pipeline.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgegate_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by service.",
			},
			[]string{"service"},
		),
		UpstreamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgegate_upstream_failures_total",
				Help: "Failed upstream calls, by service and cause.",
			},
			[]string{"service", "reason"},
		),
		StoreFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edgegate_ratelimit_store_failures_total",
				Help: "Counter store errors that made the limiter fail open.",
			},
		),
	}

	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// ObserveRequest records one terminal pipeline outcome.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.RequestsTotal.WithLabelValues(method, route, code).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the text exposition of all gateway metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
