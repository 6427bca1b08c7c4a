package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hookline/dispatch/job"
)

// Metrics returns middleware that records attempts with the global
// MeterProvider. Without a configured provider it is a no-op.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter returns metrics middleware using meter.
//
// Instruments, both with attributes kind, queue and outcome
// ("ok", "error" or "fatal"):
//   - dispatch.job.attempt.duration (Float64Histogram, seconds)
//   - dispatch.job.attempts (Int64Counter)
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API returns usable no-op instruments alongside errors.
	duration, _ := meter.Float64Histogram(
		"dispatch.job.attempt.duration",
		metric.WithDescription("Duration of one job attempt"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"dispatch.job.attempts",
		metric.WithDescription("Job attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("kind", j.Kind),
			attribute.String("queue", j.Queue),
			attribute.String("outcome", outcome(err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		attempts.Add(ctx, 1, attrs)
		return err
	}
}
