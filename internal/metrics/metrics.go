// Package metrics holds the Prometheus instruments shared across the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the node exports.
type Registry struct {
	reg *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	UpstreamCalls   *prometheus.CounterVec
	UpstreamRetries prometheus.Counter
	BarsUpserted    *prometheus.CounterVec
	BucketsEmitted  *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	LoopFailures    *prometheus.CounterVec
}

// NewRegistry creates the metric set on a private Prometheus registry so
// tests can build as many as they like without duplicate-registration panics.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klined_http_request_duration_seconds",
			Help:    "Served HTTP request latency by route and status",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"route", "status"},
	)
	r.UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klined_upstream_requests_total",
			Help: "Upstream exchange requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)
	r.UpstreamRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "klined_upstream_retries_total",
			Help: "Upstream request retries after transient failures",
		},
	)
	r.BarsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klined_bars_upserted_total",
			Help: "Bars written to the store by interval",
		},
		[]string{"interval"},
	)
	r.BucketsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klined_agg_buckets_total",
			Help: "Aggregated buckets emitted by target interval",
		},
		[]string{"interval"},
	)
	r.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klined_cache_hits_total",
			Help: "Response cache hits by cache backend",
		},
		[]string{"cache"},
	)
	r.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klined_cache_misses_total",
			Help: "Response cache misses by cache backend",
		},
		[]string{"cache"},
	)
	r.LoopFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klined_loop_failures_total",
			Help: "Background loop iteration failures by loop name",
		},
		[]string{"loop"},
	)

	r.reg.MustRegister(
		r.RequestDuration, r.UpstreamCalls, r.UpstreamRetries,
		r.BarsUpserted, r.BucketsEmitted,
		r.CacheHits, r.CacheMisses, r.LoopFailures,
	)
	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
