// Package metrics holds the Prometheus collectors shared by the store, the
// sync coordinator and the edge cache manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parksync"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QueueLength   prometheus.Gauge
	ReplayResults *prometheus.CounterVec
	FetchCache    *prometheus.CounterVec
	EdgeRequests  *prometheus.CounterVec
	EdgeFallbacks *prometheus.CounterVec
	EdgeEvictions *prometheus.CounterVec
	EdgeLatency   *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_length",
			Help:      "Items currently held in the offline action queue.",
		}),
		ReplayResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_replays_total",
			Help:      "Offline queue replays by action type and result.",
		}, []string{"type", "result"}),
		FetchCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cache_total",
			Help:      "API client read cache lookups by result.",
		}, []string{"result"}),
		EdgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_requests_total",
			Help:      "Requests handled by the edge cache by route and source.",
		}, []string{"route", "source"}),
		EdgeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_fallbacks_total",
			Help:      "Network failures answered from cache or the offline page.",
		}, []string{"route", "fallback"}),
		EdgeEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_evictions_total",
			Help:      "Entries trimmed from capped cache buckets.",
		}, []string{"bucket"}),
		EdgeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "edge_request_duration_seconds",
			Help:      "Edge request latency by route.",
			Buckets:   []float64{0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.QueueLength,
		m.ReplayResults,
		m.FetchCache,
		m.EdgeRequests,
		m.EdgeFallbacks,
		m.EdgeEvictions,
		m.EdgeLatency,
		prometheus.NewGoCollector(),
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueLength records the offline queue size.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// Replay counts a queue replay outcome.
func (m *Metrics) Replay(actionType, result string) {
	if m == nil {
		return
	}
	m.ReplayResults.WithLabelValues(actionType, result).Inc()
}

// CacheLookup counts an API read cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.FetchCache.WithLabelValues(result).Inc()
}

// EdgeServed counts an edge response by route and source (network, cache, offline).
func (m *Metrics) EdgeServed(route, source string, seconds float64) {
	if m == nil {
		return
	}
	m.EdgeRequests.WithLabelValues(route, source).Inc()
	m.EdgeLatency.WithLabelValues(route).Observe(seconds)
}

// EdgeFallback counts a network failure answered by a fallback.
func (m *Metrics) EdgeFallback(route, fallback string) {
	if m == nil {
		return
	}
	m.EdgeFallbacks.WithLabelValues(route, fallback).Inc()
}

// EdgeEvicted counts entries trimmed from a bucket.
func (m *Metrics) EdgeEvicted(bucket string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EdgeEvictions.WithLabelValues(bucket).Add(float64(n))
}
