// Package observability wires logging, metrics, tracing and health probes
// for the plughub binaries.
//
// Logging is logrus; NewLogger builds the process logger from the configured
// level and format. Request handlers get a request-scoped logger through
// FromContext.
//
// Metrics implements the recorder interfaces of the marketplace service and
// the Redis cache, so lifecycle outcomes are counted by error kind:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	svc := marketplace.NewService(store, store, tags, gh,
//		marketplace.WithRecorder(metrics))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// InitOTel installs OTLP exporters as the otel globals; storage spans and
// otelhttp pick them up from there.
//
// HealthChecker serves /health, /health/live and /health/ready from named
// checks. Critical checks fail readiness, optional ones only degrade it.
package observability
