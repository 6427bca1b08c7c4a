// Package observability exports job lifecycle events as Prometheus
// metrics. [Collector] is an ext.Extension; register it with the engine
// and serve its registry on /metrics.
//
// Per-attempt spans and OpenTelemetry instruments live in the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
