// Package metrics defines the Prometheus collectors used by the scan services
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	ScanRunsTotal        *prometheus.CounterVec
	ScanDuration         prometheus.Histogram
	ScansInFlight        prometheus.Gauge
	ScanResourcesTotal   *prometheus.CounterVec
	ScanMatchesTotal     *prometheus.CounterVec
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     prometheus.Counter
	EventsPublishedTotal *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all collectors and registers them with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ScanRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_runs_total",
				Help: "Total scan runs by status (ok, error).",
			},
			[]string{"status"},
		),
		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scan_duration_seconds",
				Help:    "Wall time of a scan run in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ScansInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scans_in_flight",
				Help: "Number of scans currently running.",
			},
		),
		ScanResourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_resources_total",
				Help: "Resources visited by outcome (decoded, not_unit, malformed, truncated, unreadable).",
			},
			[]string{"outcome"},
		),
		ScanMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_matches_total",
				Help: "Marker matches reported by element kind.",
			},
			[]string{"kind"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of scan result cache hits by tier (local, redis).",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of scan result cache misses.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_events_published_total",
				Help: "Match events handed to Kafka by status (published, failed, dropped).",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ScanRunsTotal,
		m.ScanDuration,
		m.ScansInFlight,
		m.ScanResourcesTotal,
		m.ScanMatchesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.EventsPublishedTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
