// Package observability provides logging, metrics and tracing for canvass.
//
// # Logging
//
// Logger wraps log/slog with context-first methods. Request and visitor ids
// stored on the context are added to every record, and connection-string
// passwords are redacted. The level lives in a slog.LevelVar shared by derived
// loggers, so the canvassDebug preference can switch a manager to debug
// output after construction:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
//	managerLogger := logger.WithFields("component", "manager")
//	managerLogger.EnableDebug()
//
// # Metrics
//
// Metrics registers canvass_* collectors on a caller supplied registry. All
// methods are no-ops on a nil *Metrics.
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Tracing
//
// Tracer exports spans over OTLP gRPC when an endpoint is configured and is a
// no-op otherwise. Activation, provider calls and HTTP requests each have a
// helper:
//
//	ctx, span := tracer.TraceActivation(ctx, "FROG", "off")
//	defer span.End()
package observability
