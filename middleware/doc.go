// Package middleware provides composable middleware around a single
// recipient delivery.
//
// A [Middleware] wraps the render+send call the worker pool makes for one
// recipient. Middleware are composed with [Chain] and applied right-to-left:
// the first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → timeout → send
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger), middleware.Timeout(10*time.Second))
//
// # Built-in Middleware
//
//   - [Logging] logs recipient, step and outcome class at debug level
//   - [Recover] catches panics and converts them to permanent errors
//   - [Timeout] bounds each delivery with a deadline
//   - [RateLimit] waits on a token bucket before each send
//   - [Tracing] wraps the delivery in an OpenTelemetry span
//   - [Metrics] records per-delivery duration and outcome counters
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
