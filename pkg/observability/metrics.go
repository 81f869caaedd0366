package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolver metrics
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	ResolutionDuration   prometheus.Histogram
	ResolutionErrors     prometheus.Counter
	CheckFailuresTotal   *prometheus.CounterVec
	CheckDenialsTotal    *prometheus.CounterVec
	StaleResultsDiscards prometheus.Counter

	// Invalidation metrics
	InvalidationsTotal *prometheus.CounterVec
	InvalidationToken  prometheus.Gauge

	// Admin and audit metrics
	CommandsTotal    *prometheus.CounterVec
	AuditWritesTotal *prometheus.CounterVec

	// Menu metrics
	MenuBuildsTotal  *prometheus.CounterVec
	MenuReloadsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessd_rbac_cache_hits_total",
			Help: "Permission resolutions served from cache",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessd_rbac_cache_misses_total",
			Help: "Permission resolutions that went to the store",
		}),
		ResolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accessd_rbac_resolution_duration_seconds",
			Help:    "Time to compute a user's effective roles and permissions from the store",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		ResolutionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessd_rbac_resolution_errors_total",
			Help: "Store failures while computing effective permissions",
		}),
		CheckFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_rbac_check_failures_total",
				Help: "Permission checks that failed closed because the store was unavailable",
			},
			[]string{"check"},
		),
		CheckDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_rbac_check_denials_total",
				Help: "Permission checks that evaluated to deny",
			},
			[]string{"check"},
		),
		StaleResultsDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessd_rbac_stale_results_discarded_total",
			Help: "Computed resolutions not cached because an invalidation happened meanwhile",
		}),

		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_invalidations_total",
				Help: "Cache invalidation signals by origin",
			},
			[]string{"origin"},
		),
		InvalidationToken: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessd_invalidation_token",
			Help: "Last observed invalidation token",
		}),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_admin_commands_total",
				Help: "Administrative commands by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_audit_writes_total",
				Help: "Audit log inserts by status",
			},
			[]string{"status"},
		),

		MenuBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_menu_builds_total",
				Help: "Menu trees built per user by outcome",
			},
			[]string{"outcome"},
		),
		MenuReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessd_menu_reloads_total",
				Help: "Menu file reloads by status",
			},
			[]string{"status"},
		),

		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessd_db_connections_open",
			Help: "Number of open database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessd_db_connections_in_use",
			Help: "Number of database connections in use",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ResolutionDuration,
		m.ResolutionErrors,
		m.CheckFailuresTotal,
		m.CheckDenialsTotal,
		m.StaleResultsDiscards,
		m.InvalidationsTotal,
		m.InvalidationToken,
		m.CommandsTotal,
		m.AuditWritesTotal,
		m.MenuBuildsTotal,
		m.MenuReloadsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelled by mux route template
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
