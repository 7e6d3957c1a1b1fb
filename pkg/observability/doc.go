// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Logging
//
// Loggers are *logrus.Logger values built with NewLogger and injected into
// every manager. FromContext adds request, principal and trace fields:
//
//	logger, _ := observability.NewLogger("info", "json", os.Stdout)
//	observability.FromContext(ctx, logger).Warn("Cross-tenant access denied")
//
// # Metrics
//
// NewMetrics registers the collectors on a registry. A nil *Metrics is valid
// and records nothing, which keeps metrics optional in tests:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordDecision("has_permission", true)
//
// # Tracing
//
// InitOTel installs OTLP trace and metric exporters and returns the
// Telemetry that flushes them on Shutdown. Packages obtain spans from
// Tracer(), which is a no-op until a provider is installed.
package observability
