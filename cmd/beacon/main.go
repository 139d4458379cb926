package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/beacon/pkg/api"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/bootstrap"
	"github.com/platinummonkey/beacon/pkg/capture"
	"github.com/platinummonkey/beacon/pkg/config"
	"github.com/platinummonkey/beacon/pkg/middleware"
	"github.com/platinummonkey/beacon/pkg/observability"
)

var (
	envFile  = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	port     = flag.String("port", "", "Port to listen on (overrides BEACON_PORT)")
	logLevel = flag.String("log-level", "", "Log level (overrides BEACON_LOG_LEVEL)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Fatalf("Beacon stopped with error: %v", err)
	}
	log.Info("Beacon stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	var gatherer prometheus.Gatherer
	if cfg.Observability.MetricsEnabled {
		gatherer = registry
	}

	comps, err := bootstrap.Build(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	comps.Start(ctx)

	var (
		queue    *capture.Queue
		recorder *capture.Middleware
	)
	if cfg.Capture.Enabled {
		queue = capture.NewQueue(comps.Store, cfg.Capture.QueueConfig(), logger, metrics)
		recorder = capture.NewMiddleware(queue, logger)
	}

	var limiter middleware.Limiter
	if cfg.Server.IngestRateLimit > 0 {
		if comps.Redis != nil {
			limiter = middleware.NewRedisLimiter(comps.Redis, cfg.Server.RateLimit(), "ratelimit:ingest")
		} else {
			local := middleware.NewLocalLimiter(cfg.Server.RateLimit())
			local.StartCleanup(ctx, logger)
			limiter = local
		}
	}

	server, err := api.NewServer(api.Dependencies{
		Writer:     comps.Store,
		Analytics:  comps.Analytics,
		Retention:  comps.Retention,
		Authorizer: authz.NewHeaderAuthorizer(),
		Capture:    recorder,
		Health:     comps.Health,
		Metrics:    metrics,
		Gatherer:   gatherer,
		Logger:     logger,
		DedupeSize: cfg.Server.DedupeSize,

		IngestLimiter: limiter,
	})
	if err != nil {
		comps.Close()
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(server, "beacon"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)

	if cfg.Server.HealthPort != "" {
		healthServer := newHealthServer(cfg, comps.Health, gatherer)
		sm.Register("health server", healthServer.Shutdown)
		go serve(log, "health", healthServer)
	}
	if queue != nil {
		// the HTTP server is already stopped, so nothing enqueues anymore
		sm.Register("capture queue", queue.Close)
	}
	sm.Register("background tasks", func(context.Context) error {
		cancel()
		return nil
	})
	sm.Register("storage", func(context.Context) error {
		return comps.Close()
	})
	sm.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go serve(log, "api", httpServer)
	log.WithFields(logrus.Fields{
		"addr":     httpServer.Addr,
		"postgres": cfg.Database.Enabled(),
		"redis":    cfg.Redis.Enabled(),
		"sink":     cfg.Retention.Sink,
		"capture":  cfg.Capture.Enabled,
	}).Info("Beacon started")

	return sm.Wait(ctx)
}

func newHealthServer(cfg *config.Config, health *observability.HealthChecker, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Liveness)
	mux.HandleFunc("/readyz", health.Readiness)
	if gatherer != nil {
		mux.Handle("/metrics", observability.MetricsHandler(gatherer))
	}
	return &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serve(log *logrus.Logger, name string, srv *http.Server) {
	log.Infof("Starting %s listener on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("%s listener failed: %v", name, err)
	}
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
