package ext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// hooks is the type-cached list of extensions implementing H.
type hooks[H any] []entry[H]

func (hs *hooks[H]) add(e Extension) {
	if h, ok := e.(H); ok {
		*hs = append(*hs, entry[H]{name: e.Name(), hook: h})
	}
}

// emit calls fn for every cached hook. Errors and panics are logged and
// never reach the caller.
func emit[H any](r *Registry, hs hooks[H], method string, fn func(H) error) {
	for _, e := range hs {
		r.call(method, e.name, func() error { return fn(e.hook) })
	}
}

// Registry holds registered extensions and dispatches lifecycle events to
// them in registration order. A nil *Registry is valid and emits nothing.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued  hooks[JobEnqueued]
	jobStarted   hooks[JobStarted]
	jobSucceeded hooks[JobSucceeded]
	jobRetrying  hooks[JobRetrying]
	jobFailed    hooks[JobFailed]
	jobReclaimed hooks[JobReclaimed]
	cronFired    hooks[CronFired]
	shutdown     hooks[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension to every hook list it implements.
// Registration happens before the engine starts; it is not synchronized
// with emits.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	r.jobEnqueued.add(e)
	r.jobStarted.add(e)
	r.jobSucceeded.add(e)
	r.jobRetrying.add(e)
	r.jobFailed.add(e)
	r.jobReclaimed.add(e)
	r.cronFired.add(e)
	r.shutdown.add(e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

// ──────────────────────────────────────────────────
// Emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies JobEnqueued hooks.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	emit(r, r.jobEnqueued, "OnJobEnqueued", func(h JobEnqueued) error { return h.OnJobEnqueued(ctx, j) })
}

// EmitJobStarted notifies JobStarted hooks.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	emit(r, r.jobStarted, "OnJobStarted", func(h JobStarted) error { return h.OnJobStarted(ctx, j) })
}

// EmitJobSucceeded notifies JobSucceeded hooks.
func (r *Registry) EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) {
	if r == nil {
		return
	}
	emit(r, r.jobSucceeded, "OnJobSucceeded", func(h JobSucceeded) error { return h.OnJobSucceeded(ctx, j, elapsed) })
}

// EmitJobRetrying notifies JobRetrying hooks.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time, jobErr error) {
	if r == nil {
		return
	}
	emit(r, r.jobRetrying, "OnJobRetrying", func(h JobRetrying) error {
		return h.OnJobRetrying(ctx, j, attempt, nextRunAt, jobErr)
	})
}

// EmitJobFailed notifies JobFailed hooks.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, reason job.FailureReason, jobErr error) {
	if r == nil {
		return
	}
	emit(r, r.jobFailed, "OnJobFailed", func(h JobFailed) error { return h.OnJobFailed(ctx, j, reason, jobErr) })
}

// EmitJobReclaimed notifies JobReclaimed hooks.
func (r *Registry) EmitJobReclaimed(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	emit(r, r.jobReclaimed, "OnJobReclaimed", func(h JobReclaimed) error { return h.OnJobReclaimed(ctx, j) })
}

// EmitCronFired notifies CronFired hooks.
func (r *Registry) EmitCronFired(ctx context.Context, entryName string, jobID id.JobID) {
	if r == nil {
		return
	}
	emit(r, r.cronFired, "OnCronFired", func(h CronFired) error { return h.OnCronFired(ctx, entryName, jobID) })
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	emit(r, r.shutdown, "OnShutdown", func(h Shutdown) error { return h.OnShutdown(ctx) })
}

func (r *Registry) call(hook, extName string, fn func() error) {
	defer func() {
		if v := recover(); v != nil {
			r.logHookError(hook, extName, fmt.Errorf("panic: %v", v))
		}
	}()
	if err := fn(); err != nil {
		r.logHookError(hook, extName, err)
	}
}

func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
