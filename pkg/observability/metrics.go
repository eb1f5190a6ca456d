package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	// HTTP surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authority client
	AuthorityRequestsTotal   *prometheus.CounterVec
	AuthorityRequestDuration *prometheus.HistogramVec
	AuthorityFallbacksTotal  prometheus.Counter

	// Access-grant cache
	GrantCacheHitsTotal   prometheus.Counter
	GrantCacheMissesTotal prometheus.Counter

	// Context resolution
	ContextResolutionsTotal *prometheus.CounterVec

	// Rate limiting
	RateLimitAllowedTotal  *prometheus.CounterVec
	RateLimitRejectedTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors on the given registry
// (a fresh one when nil).
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "HTTP requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthorityRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_authority_requests_total",
				Help: "Authority calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		AuthorityRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_authority_request_duration_seconds",
				Help:    "Authority call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		AuthorityFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_authority_fallbacks_total",
				Help: "Access checks served by the local store because the Authority was unreachable",
			},
		),
		GrantCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_grant_cache_hits_total",
				Help: "Access-grant cache hits",
			},
		),
		GrantCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_grant_cache_misses_total",
				Help: "Access-grant cache misses",
			},
		),
		ContextResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_context_resolutions_total",
				Help: "Context resolution attempts by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitAllowedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_ratelimit_allowed_total",
				Help: "Requests admitted by the rate limiter, by tier",
			},
			[]string{"tier"},
		),
		RateLimitRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_ratelimit_rejected_total",
				Help: "Requests rejected with 429, by tier",
			},
			[]string{"tier"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthorityRequestsTotal,
		m.AuthorityRequestDuration,
		m.AuthorityFallbacksTotal,
		m.GrantCacheHitsTotal,
		m.GrantCacheMissesTotal,
		m.ContextResolutionsTotal,
		m.RateLimitAllowedTotal,
		m.RateLimitRejectedTotal,
	)
	return m
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps next with request counting and latency tracking.
// path should be the route template, not the raw URL, to bound cardinality.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// ObserveAuthority records one Authority call.
func (m *Metrics) ObserveAuthority(endpoint, outcome string, elapsed time.Duration) {
	m.AuthorityRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.AuthorityRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
