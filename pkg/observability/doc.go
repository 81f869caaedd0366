// Package observability provides structured logging, Prometheus metrics, health
// checks and OpenTelemetry tracing for accessd.
//
// # Logging
//
// Components take a logrus.FieldLogger:
//
//	logger, err := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("user_id", id).Warn("permission check failed closed")
//
// FromContext returns the request logger annotated with request id, user id and
// the active trace.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.CacheHitsTotal.Inc()
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "accessd",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
