// Package observability provides logging, metrics, and tracing
// functionality for the broadcast proxy.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("target dispatched",
//	    observability.String("target", "orders-eu"),
//	    observability.Int("status", 200),
//	)
//
// File outputs are rotated with lumberjack.
//
// # Metrics
//
// Prometheus metrics for broadcast cycles, target dispatches, script
// failures and registry reloads live on a dedicated registry:
//
//	metrics := observability.NewMetrics("fanout")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. Every inbound request gets
// a server span and every target dispatch a client span.
package observability
