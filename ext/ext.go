package ext

import (
	"context"
	"time"

	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a new job is persisted. Enqueues absorbed
// by a dedupe key do not fire it.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a claimed job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobSucceeded is called after a job is marked succeeded.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called after a failed execution is scheduled again.
// attempt is the consumed attempt count stored with the job.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time, err error) error
}

// JobFailed is called after a job reaches the failed state through an
// execution.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, reason job.FailureReason, err error) error
}

// JobReclaimed is called for every job whose lease expired and was taken
// back by the reaper. j reflects the stored state after the reclaim:
// pending again, or failed with job.ReasonLeaseExpired.
type JobReclaimed interface {
	OnJobReclaimed(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a cron entry fires and enqueues a job.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
