package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/analytics"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/capture"
	"github.com/platinummonkey/beacon/pkg/httputil"
	"github.com/platinummonkey/beacon/pkg/middleware"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/retention"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// DefaultDedupeSize is how many recently ingested ids are remembered
const DefaultDedupeSize = 100_000

// Dependencies wires the server to the pipeline components
type Dependencies struct {
	Writer     storage.ActivityWriter
	Analytics  *analytics.Engine
	Retention  *retention.Engine
	Authorizer authz.Authorizer
	// Capture tracks the server's own analytics and retention calls. Optional.
	Capture *capture.Middleware
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	// Gatherer backs /metrics. Optional.
	Gatherer   prometheus.Gatherer
	Logger     *observability.Logger
	DedupeSize int
	// IngestLimiter throttles ingestion per caller. Optional.
	IngestLimiter middleware.Limiter
}

// Server is the pipeline's HTTP API
type Server struct {
	router     *mux.Router
	writer     storage.ActivityWriter
	analytics  *analytics.Engine
	retention  *retention.Engine
	authorizer authz.Authorizer
	capture    *capture.Middleware
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	gatherer   prometheus.Gatherer
	logger     *observability.Logger
	seen       *lru.Cache[string, struct{}]
	limiter    middleware.Limiter
}

// NewServer creates the API server and its routes
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Writer == nil || deps.Analytics == nil || deps.Retention == nil {
		return nil, errors.New("api: writer, analytics and retention are required")
	}
	if deps.Authorizer == nil {
		deps.Authorizer = authz.NewHeaderAuthorizer()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewDiscardMetrics()
	}
	if deps.DedupeSize <= 0 {
		deps.DedupeSize = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](deps.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	s := &Server{
		router:     mux.NewRouter(),
		writer:     deps.Writer,
		analytics:  deps.Analytics,
		retention:  deps.Retention,
		authorizer: deps.Authorizer,
		capture:    deps.Capture,
		health:     deps.Health,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger.WithField("component", "api"),
		seen:       seen,
		limiter:    deps.IngestLimiter,
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.ContentTypeMiddleware,
		observability.HTTPMetricsMiddleware(s.metrics),
		authz.Middleware(s.authorizer),
	)

	// Ingestion
	var ingest http.Handler = http.HandlerFunc(s.ingestBatch)
	if s.limiter != nil {
		ingest = middleware.RateLimit(s.limiter, s.logger, s.metrics)(ingest)
	}
	s.handle(http.MethodPost, "/api/v1/activity/batch", authz.CapIngest, ingest.ServeHTTP, nil)

	// Analytics
	s.handle(http.MethodGet, "/api/v1/analytics", authz.CapAnalyticsRead, s.getAnalytics, &capture.Config{
		Resource:    "analytics",
		Description: "analytics dashboard query",
	})
	s.handle(http.MethodPost, "/api/v1/analytics/query", authz.CapAnalyticsQuery, s.runQuery, nil)

	// Retention
	s.handle(http.MethodGet, "/api/v1/retention", authz.CapRetentionRead, s.getRetention, &capture.Config{
		Resource:    "retention",
		Description: "retention stats",
	})
	s.handle(http.MethodPost, "/api/v1/retention", authz.CapRetentionManage, s.postRetention, &capture.Config{
		Action:      activity.ActionUpdate,
		Resource:    "retention",
		Description: "retention management",
		Tags:        []string{"admin"},
	})
	s.handle(http.MethodPost, "/api/v1/retention/purge", authz.CapRetentionPurge, s.emergencyPurge, &capture.Config{
		Action:      activity.ActionDelete,
		Resource:    "retention",
		Description: "emergency purge",
		Severity:    activity.SeverityWarn,
		Tags:        []string{"admin", "destructive"},
	})

	// Operations
	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods(http.MethodGet)
	}
	if s.gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.gatherer)).Methods(http.MethodGet)
	}
}

// handle registers h behind a capability check. With track set and a capture
// middleware configured, every call is recorded, refused ones included.
func (s *Server) handle(method, path string, c authz.Capability, h http.HandlerFunc, track *capture.Config) {
	var handler http.Handler = authz.RequireCapability(s.authorizer, c)(h)
	if track != nil && s.capture != nil {
		handler = s.capture.WithTracking(handler, *track)
	}
	s.router.Handle(path, handler).Methods(method)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}
