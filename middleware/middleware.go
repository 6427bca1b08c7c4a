package middleware

import (
	"context"

	"github.com/hookline/dispatch/job"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// job being executed and the next handler in the chain.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one. The first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error {
				return mw(ctx, j, inner)
			}
		}
		return h(ctx)
	}
}

// outcome labels an error for logs and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case job.IsFatal(err):
		return "fatal"
	default:
		return "error"
	}
}
