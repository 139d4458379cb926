package observability

import (
	"database/sql"
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

	// Capture queue metrics
	CaptureEnqueuedTotal      prometheus.Counter
	CaptureDroppedTotal       prometheus.Counter
	CaptureWriteFailuresTotal prometheus.Counter
	CaptureQueueDepth         prometheus.Gauge

	// Ingestion metrics
	IngestRecordsTotal *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec

	// Analytics metrics
	AnalyticsQueriesTotal *prometheus.CounterVec
	AnalyticsCacheTotal   *prometheus.CounterVec

	// Rollup metrics
	RollupUnitsTotal *prometheus.CounterVec
	RollupDuration   *prometheus.HistogramVec

	// Retention metrics
	RetentionRecordsTotal *prometheus.CounterVec
	PurgesTotal           *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBWaitCount         prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		CaptureEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_capture_enqueued_total",
			Help: "Activity records accepted by the capture queue",
		}),
		CaptureDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_capture_dropped_total",
			Help: "Activity records evicted from a full capture queue",
		}),
		CaptureWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_capture_write_failures_total",
			Help: "Activity records lost to failed store writes",
		}),
		CaptureQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_capture_queue_depth",
			Help: "Activity records waiting in the capture queue",
		}),

		IngestRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_ingest_records_total",
				Help: "Records received by the ingestion endpoint",
			},
			[]string{"result"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_rate_limited_requests_total",
				Help: "Requests refused or let through unchecked by the rate limiter",
			},
			[]string{"outcome"},
		),

		AnalyticsQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_analytics_queries_total",
				Help: "Analytics queries served",
			},
			[]string{"query", "status"},
		),
		AnalyticsCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_analytics_cache_total",
				Help: "Analytics result cache lookups",
			},
			[]string{"result"},
		),

		RollupUnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_rollup_units_total",
				Help: "Metric rollup units by outcome",
			},
			[]string{"period", "metric_type", "status"},
		),
		RollupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_rollup_duration_seconds",
				Help:    "Duration of a period rollup",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"period"},
		),

		RetentionRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_retention_records_total",
				Help: "Records handled by retention cleanup",
			},
			[]string{"policy", "stage"},
		),
		PurgesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_emergency_purges_total",
				Help: "Emergency purge attempts",
			},
			[]string{"status"},
		),

		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Number of active database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		DBWaitCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_db_connections_wait_count",
			Help: "Total number of connections waited for",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CaptureEnqueuedTotal,
		m.CaptureDroppedTotal,
		m.CaptureWriteFailuresTotal,
		m.CaptureQueueDepth,
		m.IngestRecordsTotal,
		m.RateLimitedTotal,
		m.AnalyticsQueriesTotal,
		m.AnalyticsCacheTotal,
		m.RollupUnitsTotal,
		m.RollupDuration,
		m.RetentionRecordsTotal,
		m.PurgesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// NewDiscardMetrics returns metrics registered on a private registry. Components
// use it when the caller does not wire metrics.
func NewDiscardMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// statusWriter wraps http.ResponseWriter to capture status code
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the mux route template so ids in paths don't explode
// label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
