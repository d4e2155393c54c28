// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Upstream calls may legitimately
// run for minutes, so the tail is wider than a typical API proxy's.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 600}

// Buckets for credential command runs.
var refreshBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	CredentialLookups        *prometheus.CounterVec
	CredentialRefreshes      *prometheus.CounterVec
	CredentialRefreshSeconds prometheus.Histogram

	adminPrefix string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// adminPrefix is the route prefix of the proxy's own endpoints; it bounds the
// path label together with the catch-all "upstream" value.
func New(adminPrefix string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authproxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_upstream_errors_total",
			Help: "Total failed upstream calls by reason (timeout, unreachable).",
		}, []string{"reason"}),

		CredentialLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_credential_lookups_total",
			Help: "Token cache lookups by result (hit, miss, shared).",
		}, []string{"result"}),

		CredentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_credential_refreshes_total",
			Help: "Credential provider invocations by outcome (ok, error).",
		}, []string{"outcome"}),

		CredentialRefreshSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authproxy_credential_refresh_duration_seconds",
			Help:    "Credential provider invocation latency in seconds.",
			Buckets: refreshBuckets,
		}),

		adminPrefix: adminPrefix,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.CredentialLookups,
		m.CredentialRefreshes,
		m.CredentialRefreshSeconds,
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

// adminRoutes are the admin sub-paths reported individually.
var adminRoutes = []string{"/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label. Proxied traffic is reported as
// "upstream"; admin endpoints keep their route.
func (m *Metrics) NormalizePath(path string) string {
	if m.adminPrefix == "" || (path != m.adminPrefix && !strings.HasPrefix(path, m.adminPrefix+"/")) {
		return "upstream"
	}
	rest := strings.TrimPrefix(path, m.adminPrefix)
	for _, route := range adminRoutes {
		if rest == route {
			return m.adminPrefix + route
		}
	}
	return m.adminPrefix
}
