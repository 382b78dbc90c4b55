package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal    *prometheus.CounterVec
	AuthzAdminBypassTotal  prometheus.Counter
	ResolutionDuration     *prometheus.HistogramVec
	ResolutionSourcesTotal *prometheus.CounterVec

	// Listing filter metrics
	FilterRefetchRounds  prometheus.Histogram
	FilterItemsRedacted  prometheus.Counter
	FilterPartialResults prometheus.Counter

	// Cache metrics
	DecisionCacheHitsTotal   prometheus.Counter
	DecisionCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackgate_authz_decisions_total",
				Help: "Authorization decisions by outcome and capability",
			},
			[]string{"outcome", "capability", "resource_type"},
		),
		AuthzAdminBypassTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackgate_authz_admin_bypass_total",
				Help: "Requests allowed by the admin bypass without resolution",
			},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackgate_resolution_duration_seconds",
				Help:    "Effective-permission resolution duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"resource_type"},
		),
		ResolutionSourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackgate_resolution_sources_total",
				Help: "Which permission source produced the effective level",
			},
			[]string{"source"},
		),
		FilterRefetchRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trackgate_filter_refetch_rounds",
				Help:    "Upstream refetch round trips per page-filter call",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		FilterItemsRedacted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackgate_filter_items_redacted_total",
				Help: "Listing items removed because the caller could not see them",
			},
		),
		FilterPartialResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackgate_filter_partial_results_total",
				Help: "Page-filter calls cut short by a refetch failure",
			},
		),
		DecisionCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackgate_decision_cache_hits_total",
				Help: "Decision cache hits",
			},
		),
		DecisionCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackgate_decision_cache_misses_total",
				Help: "Decision cache misses",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.AuthzAdminBypassTotal,
		m.ResolutionDuration,
		m.ResolutionSourcesTotal,
		m.FilterRefetchRounds,
		m.FilterItemsRedacted,
		m.FilterPartialResults,
		m.DecisionCacheHitsTotal,
		m.DecisionCacheMissesTotal,
	)

	return m
}

// Handler returns the promhttp handler for the given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision records an authorization decision.
func (m *Metrics) ObserveDecision(outcome, capability, resourceType string) {
	m.AuthzDecisionsTotal.WithLabelValues(outcome, capability, resourceType).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
