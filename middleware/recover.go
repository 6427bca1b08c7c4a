package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/hookline/dispatch/job"
)

// PanicError is returned when a handler panics. It is retryable like any
// other handler error.
type PanicError struct {
	Kind  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s handler: %v", e.Kind, e.Value)
}

// Recover returns middleware that converts panics into *PanicError and
// logs them with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("job handler panicked",
					slog.String("kind", j.Kind),
					slog.String("job_id", j.ID.String()),
					slog.Int("attempt_number", j.Attempt+1),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				retErr = &PanicError{Kind: j.Kind, Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
