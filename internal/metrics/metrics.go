// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for registry latency. Blob pulls run long.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Token exchange outcomes.
const (
	OutcomeIssued   = "issued"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseBytes    *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	TokenExchanges *prometheus.CounterVec
	AuthRetries    *prometheus.CounterVec
	UnknownHosts   prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_http_response_bytes_total",
			Help: "Response body bytes written to clients.",
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		TokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_token_exchanges_total",
			Help: "Token requests made against upstream auth realms, by outcome.",
		}, []string{"outcome"}),

		AuthRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_auth_retries_total",
			Help: "Content requests reissued after a token exchange, by final status code.",
		}, []string{"status_code"}),

		UnknownHosts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_proxy_unknown_host_requests_total",
			Help: "Requests rejected because no upstream is configured for the host.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.TokenExchanges,
		m.AuthRetries,
		m.UnknownHosts,
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

// knownPrefixes lists the non-registry path label values.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// registryEndpoints maps a path fragment under /v2/ to its label, checked in order.
var registryEndpoints = []struct {
	fragment string
	label    string
}{
	{"/blobs/uploads", "/v2/uploads"},
	{"/manifests/", "/v2/manifests"},
	{"/blobs/", "/v2/blobs"},
	{"/tags/list", "/v2/tags"},
	{"_catalog", "/v2/_catalog"},
}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Registry API paths are grouped by endpoint so repository names never
// become label values.
func NormalizePath(path string) string {
	if path == "/v2/auth" {
		return path
	}
	if path == "/v2" || strings.HasPrefix(path, "/v2/") {
		for _, ep := range registryEndpoints {
			if strings.Contains(path, ep.fragment) {
				return ep.label
			}
		}
		return "/v2"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
