package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/hookline/dispatch/job"
)

// ErrTimeout marks a handler error returned after the job's timeout
// elapsed.
var ErrTimeout = errors.New("job timed out")

// Timeout returns middleware that bounds one attempt by j.Timeout. A
// handler that returns an error after the deadline gets it wrapped with
// ErrTimeout; a handler that ignores the deadline and returns nil still
// succeeds.
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}
		tctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		err := next(tctx)
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrTimeout, j.Timeout, err)
		}
		return err
	}
}
