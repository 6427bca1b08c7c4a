package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hookline/dispatch/job"
)

// instrumentationName is the OTel scope for spans and instruments.
const instrumentationName = "github.com/hookline/dispatch"

// Tracing returns middleware that wraps execution in a span from the
// global TracerProvider. Without a configured provider it is a no-op.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using tracer.
//
// Span attributes: dispatch.job.id, dispatch.job.kind, dispatch.queue,
// dispatch.attempt, dispatch.max_attempts, dispatch.priority.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "dispatch.job "+j.Kind,
			trace.WithAttributes(
				attribute.String("dispatch.job.id", j.ID.String()),
				attribute.String("dispatch.job.kind", j.Kind),
				attribute.String("dispatch.queue", j.Queue),
				attribute.Int("dispatch.attempt", j.Attempt+1),
				attribute.Int("dispatch.max_attempts", j.MaxAttempts),
				attribute.Int("dispatch.priority", j.Priority),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool("dispatch.fatal", job.IsFatal(err)))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
