// Package observability provides structured logging, Prometheus metrics, health
// probes and OpenTelemetry setup for the beacon services.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, nil)
//	logger.WithField("policy", name).Info("cleanup finished")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.CaptureDroppedTotal.Inc()
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version, store, redisClient)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// The event store is required for readiness; Redis only degrades it.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "beacon",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
