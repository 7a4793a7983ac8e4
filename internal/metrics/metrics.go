// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Key attempt outcomes, the label values for KeyAttempts.
const (
	OutcomeSuccess       = "success"
	OutcomeRejected      = "rejected"
	OutcomeNetworkError  = "network_error"
	OutcomeUpstreamFault = "upstream_fault"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	KeyAttempts   *prometheus.CounterVec
	PoolExhausted prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemini_balance_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_class"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gemini_balance_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_class"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gemini_balance_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gemini_balance_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, one observation per key attempt.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemini_balance_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		KeyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemini_balance_key_attempts_total",
			Help: "Total API key attempts by outcome.",
		}, []string{"outcome"}),

		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gemini_balance_key_pool_exhausted_total",
			Help: "Requests that ran out of API keys without a success.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.KeyAttempts,
		m.PoolExhausted,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// reservedPaths lists the fixed non-proxied routes, used as their own label
// values. The Prometheus scrape path is configurable and passed in separately.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// NormalizePath returns a bounded path label for Prometheus metrics. Reserved
// routes and the configured scrape path map to themselves; everything else is
// proxied and collapses to "proxy_stream" or "proxy" depending on the
// streaming classification.
func NormalizePath(path, metricsPath string) string {
	for _, reserved := range reservedPaths {
		if path == reserved || strings.HasPrefix(path, reserved+"/") {
			return reserved
		}
	}
	if metricsPath != "" && (path == metricsPath || strings.HasPrefix(path, metricsPath+"/")) {
		return metricsPath
	}
	if strings.Contains(strings.ToLower(path), "stream") {
		return "proxy_stream"
	}
	return "proxy"
}
