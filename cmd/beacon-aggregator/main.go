package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/bootstrap"
	"github.com/platinummonkey/beacon/pkg/config"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/rollup"
)

var (
	envFile           = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	rollupSchedule    = flag.String("rollup-schedule", "", "Cron schedule for daily rollups (overrides BEACON_ROLLUP_SCHEDULE)")
	retentionSchedule = flag.String("retention-schedule", "", "Cron schedule for retention cleanup (overrides BEACON_RETENTION_SCHEDULE)")
	runOnce           = flag.Bool("run-once", false, "Run the rollup and retention cleanup once and exit")
	aggregationDate   = flag.String("date", "", "Day to roll up (YYYY-MM-DD). If empty, rolls up yesterday. Only used with --run-once")
	dryRun            = flag.Bool("dry-run", false, "Only count records retention would delete")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *rollupSchedule != "" {
		cfg.Rollup.Schedule = *rollupSchedule
	}
	if *retentionSchedule != "" {
		cfg.Retention.Schedule = *retentionSchedule
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "beacon-aggregator")
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	otelCfg := cfg.Observability.OTel()
	otelCfg.ServiceName += "-aggregator"
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, providers, logger); err != nil {
			log.Warnf("OpenTelemetry shutdown: %v", err)
		}
	}()

	comps, err := bootstrap.Build(ctx, cfg, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}
	defer comps.Close()

	// Run once mode (for backfilling a specific day)
	if *runOnce {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if *aggregationDate != "" {
			day, err = time.Parse("2006-01-02", *aggregationDate)
			if err != nil {
				log.Fatalf("Invalid date format: %v", err)
			}
		}
		rollupErr := runRollup(ctx, log, comps.Rollup, day)
		cleanupErr := runCleanup(ctx, log, comps, cfg.Retention.RunTimeout, *dryRun)
		if err := errors.Join(rollupErr, cleanupErr); err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		log.Info("Run completed successfully")
		return
	}

	comps.Start(ctx)
	if cfg.Server.HealthPort != "" {
		go serveOps(log, cfg, comps.Health, registry)
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.PrintfLogger(log)), cron.SkipIfStillRunning(cron.PrintfLogger(log))),
	)

	// Daily rollup of the previous complete UTC day
	_, err = c.AddFunc(cfg.Rollup.Schedule, func() {
		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		if err := runRollup(ctx, log, comps.Rollup, yesterday); err != nil {
			log.Errorf("Daily rollup failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule rollups: %v", err)
	}

	_, err = c.AddFunc(cfg.Retention.Schedule, func() {
		if err := runCleanup(ctx, log, comps, cfg.Retention.RunTimeout, *dryRun); err != nil {
			log.Errorf("Retention cleanup failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule retention cleanup: %v", err)
	}

	c.Start()
	log.Info("Beacon aggregator started")
	log.Infof("Rollup schedule: %s", cfg.Rollup.Schedule)
	log.Infof("Retention schedule: %s (dry run: %t)", cfg.Retention.Schedule, *dryRun)

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	log.Info("Aggregator stopped")
}

func runRollup(ctx context.Context, log *logrus.Logger, gen *rollup.Generator, day time.Time) error {
	log.Infof("Running rollup for %s", day.Format("2006-01-02"))

	summaries, err := gen.GenerateForDay(ctx, day)
	for _, s := range summaries {
		log.WithFields(logrus.Fields{
			"period":      s.Period,
			"start":       s.PeriodStart.Format(time.RFC3339),
			"failed":      s.FailedUnits(),
			"duration_ms": s.Duration.Milliseconds(),
		}).Info("Period rolled up")
	}
	if errors.Is(err, rollup.ErrRunInProgress) {
		log.Info("Another replica is rolling up this period, skipping")
		return nil
	}
	var aggErr *activity.AggregationError
	if errors.As(err, &aggErr) {
		// completed units are already committed
		log.Warnf("Rollup finished with %d failed units", len(aggErr.Units))
	}
	return err
}

func runCleanup(ctx context.Context, log *logrus.Logger, comps *bootstrap.Components, timeout time.Duration, dryRun bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := comps.Retention.ExecuteCleanup(ctx, dryRun)
	if report != nil {
		for _, p := range report.Policies {
			entry := log.WithFields(logrus.Fields{
				"policy":   p.Policy,
				"target":   p.Target,
				"eligible": p.Eligible,
				"deleted":  p.Deleted,
				"archived": p.Archived,
			})
			if p.Error != "" {
				entry.Warnf("Policy failed: %s", p.Error)
				continue
			}
			entry.Info("Policy applied")
		}
	}
	if err != nil {
		return err
	}
	if !dryRun {
		if err := comps.Analytics.InvalidateCache(ctx); err != nil {
			log.Warnf("Failed to invalidate analytics cache: %v", err)
		}
	}
	return nil
}

func serveOps(log *logrus.Logger, cfg *config.Config, health *observability.HealthChecker, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Liveness)
	mux.HandleFunc("/readyz", health.Readiness)
	mux.Handle("/metrics", observability.MetricsHandler(gatherer))

	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Infof("Serving probes and metrics on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Ops listener failed: %v", err)
	}
}
