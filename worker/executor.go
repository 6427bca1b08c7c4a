// Package worker executes jobs. An Executor runs one claimed job through
// middleware and its registered handler and records the outcome; a Pool
// claims jobs from the store, keeps their leases alive and reclaims the
// leases of workers that died.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/backoff"
	"github.com/hookline/dispatch/ext"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/middleware"
)

const (
	// writeAttempts bounds how often a state transition is tried before
	// the job is left for the reaper.
	writeAttempts = 3
	writeTimeout  = 5 * time.Second
)

// Executor runs a single job through middleware and the registered handler,
// then applies the retry policy and records the transition.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger

	writeBackoff backoff.Strategy
	now          func() time.Time
}

// NewExecutor creates an Executor with the given dependencies. A nil
// strategy selects backoff.DefaultStrategy().
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:     registry,
		extensions:   extensions,
		store:        store,
		backoff:      bo,
		mw:           middleware.Chain(mws...),
		logger:       logger,
		writeBackoff: backoff.NewLinear(50*time.Millisecond, time.Second),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one attempt of j, which must be locked by j.LockedBy.
//
//   - unknown kind: failed with ReasonStaleKind
//   - payload rejected by the catalog or typed decoding: failed with
//     ReasonInvalidPayload
//   - handler returned nil: succeeded
//   - handler returned job.Fatal(err): failed with ReasonFatal
//   - any other error: retried with backoff, or failed with
//     ReasonAttemptsExhausted on the last attempt
//
// The returned error is the handler or classification error; it is nil
// only when the job succeeded.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	task, ok := e.registry.Get(j.Kind)
	if !ok {
		err := fmt.Errorf("%w: %q", dispatch.ErrUnknownKind, j.Kind)
		e.fail(ctx, j, job.ReasonStaleKind, err)
		return err
	}
	if err := e.registry.Validate(ctx, j.Kind, j.Payload); err != nil {
		e.fail(ctx, j, job.ReasonInvalidPayload, err)
		return err
	}

	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	terminal := func(ctx context.Context) error {
		return task.Handler(ctx, j.Payload)
	}
	err := e.mw(job.WithJob(ctx, j), j, terminal)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		e.succeed(ctx, j, elapsed)
	case job.IsFatal(err):
		e.fail(ctx, j, job.ReasonFatal, err)
	default:
		e.retry(ctx, j, err)
	}
	return err
}

func (e *Executor) succeed(ctx context.Context, j *job.Job, elapsed time.Duration) {
	err := e.write(ctx, j, "complete", func(ctx context.Context) error {
		return e.store.CompleteJob(ctx, j.ID, j.LockedBy)
	})
	if err != nil {
		return
	}
	now := e.now()
	j.State = job.StateSucceeded
	j.CompletedAt = &now
	e.extensions.EmitJobSucceeded(ctx, j, elapsed)
}

func (e *Executor) retry(ctx context.Context, j *job.Job, handlerErr error) {
	d := decideRetry(j, handlerErr, e.backoff, e.now())
	if d.exhausted {
		e.fail(ctx, j, job.ReasonAttemptsExhausted, handlerErr)
		return
	}

	err := e.write(ctx, j, "retry", func(ctx context.Context) error {
		return e.store.RetryJob(ctx, j.ID, j.LockedBy, d.attempt, d.runAt, handlerErr.Error())
	})
	if err != nil {
		return
	}
	j.State = job.StatePending
	j.Attempt = d.attempt
	j.RunAt = d.runAt
	j.LastError = handlerErr.Error()

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", j.Kind),
		slog.Int("attempts_used", d.attempt),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", d.delay),
	)
	e.extensions.EmitJobRetrying(ctx, j, d.attempt, d.runAt, handlerErr)
}

// fail records a terminal failure. Every reason consumes the attempt that
// was in progress.
func (e *Executor) fail(ctx context.Context, j *job.Job, reason job.FailureReason, cause error) {
	attempt := min(j.Attempt+1, max(j.MaxAttempts, 1))
	err := e.write(ctx, j, "fail", func(ctx context.Context) error {
		return e.store.FailJob(ctx, j.ID, j.LockedBy, attempt, reason, cause.Error())
	})
	if err != nil {
		return
	}
	now := e.now()
	j.State = job.StateFailed
	j.Attempt = attempt
	j.FailureReason = reason
	j.LastError = cause.Error()
	j.CompletedAt = &now

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", j.Kind),
		slog.String("reason", string(reason)),
		slog.Int("attempts_used", attempt),
		slog.String("error", cause.Error()),
	)
	e.extensions.EmitJobFailed(ctx, j, reason, cause)
}

// write applies a conditional transition. Each try survives cancellation
// of the job context so results are recorded during shutdown. Transient
// store errors are retried until ctx ends, after which the lease is left
// to expire. A lost lease is not retried: another worker owns the job now.
func (e *Executor) write(ctx context.Context, j *job.Job, op string, fn func(ctx context.Context) error) error {
	wctx := context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(wctx, writeTimeout)
		err = fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, dispatch.ErrLeaseLost) || errors.Is(err, dispatch.ErrJobNotFound) {
			e.logger.Warn("job result discarded, lease no longer held",
				slog.String("job_id", j.ID.String()),
				slog.String("kind", j.Kind),
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
			return err
		}
		if attempt == writeAttempts || !wait(ctx, e.writeBackoff.Delay(attempt)) {
			break
		}
	}

	e.logger.Error("job state update failed",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", j.Kind),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return err
}

// wait sleeps for d and reports false when ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
