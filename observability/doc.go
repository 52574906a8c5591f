// Package observability provides an OpenTelemetry metrics extension. The
// MetricsExtension implements lifecycle hooks to record system-wide
// counters for job submission, completion, failure, cancellation and DLQ
// pushes, plus per-batch recipient outcomes and durations.
//
// For per-delivery tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
