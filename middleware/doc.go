// Package middleware is the failure boundary around job handlers.
//
// A [Middleware] wraps one handler call. The worker composes the built-in
// middleware with any user middleware through [Chain]; the first
// middleware in the list is the outermost wrapper:
//
//	// recover → tracing → metrics → logging → timeout → handler
//	chain := middleware.Chain(
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Logging(logger),
//	    middleware.Timeout(),
//	)
//
// # Built-in Middleware
//
//   - [Recover]: turns handler panics into a retryable [*PanicError]
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records duration and outcome with OpenTelemetry instruments
//   - [Logging]: logs each attempt and puts a job-scoped logger in the context
//   - [Timeout]: bounds one attempt by the job's Timeout, reporting [ErrTimeout]
//
// Middleware must call next unless it deliberately short-circuits.
package middleware
