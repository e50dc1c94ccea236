// Package observability provides logging, Prometheus metrics, health checks,
// graceful shutdown and OpenTelemetry setup for voicescribe processes.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", "text", os.Stdout)
//	ctx = observability.WithLogger(ctx, logger.WithField("request_id", id))
//	observability.LoggerFrom(ctx).Info("Upload accepted")
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveAdmission("subscription", "admitted")
//
// All Observe* helpers are no-ops on a nil *Metrics, so services can be built
// without metrics in tests.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
package observability
