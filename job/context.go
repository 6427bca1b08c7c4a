package job

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	jobKey ctxKey = iota
	loggerKey
	renewerKey
)

// Renewer extends the lease of the job being executed.
type Renewer func(ctx context.Context) error

// WithJob returns a context carrying a snapshot of j.
func WithJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, jobKey, j.Clone())
}

// FromContext returns the job being executed, if any. The returned value
// is a copy.
func FromContext(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(jobKey).(*Job)
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// WithLogger returns a context carrying a job-scoped logger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// Logger returns the job-scoped logger, or slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WithRenewer returns a context carrying a lease renewer.
func WithRenewer(ctx context.Context, r Renewer) context.Context {
	return context.WithValue(ctx, renewerKey, r)
}

// RenewLease extends the lease of the job executing under ctx. Long-running
// handlers call it when they may outlive the lease duration. Outside of a
// job execution it is a no-op.
func RenewLease(ctx context.Context) error {
	r, ok := ctx.Value(renewerKey).(Renewer)
	if !ok {
		return nil
	}
	return r(ctx)
}
