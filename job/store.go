package job

import (
	"context"
	"time"

	"github.com/hookline/dispatch/id"
)

// QueueClaim is the admission request for one queue in a claim.
type QueueClaim struct {
	// Queue is the queue name.
	Queue string
	// Limit caps jobs of this queue locked at once across all workers.
	// Zero means no queue-specific limit.
	Limit int
	// Max caps how many jobs this claim may take from the queue.
	Max int
}

// ClaimRequest describes one poll tick's claim.
type ClaimRequest struct {
	// WorkerID becomes locked_by of every claimed job.
	WorkerID id.WorkerID
	// Queues lists the queues to claim from, in preference order.
	Queues []QueueClaim
	// Limit caps the total number of jobs claimed.
	Limit int
	// Now is the claim time; jobs with run_at <= Now are eligible.
	Now time.Time
	// LeaseDuration sets locked_until = Now + LeaseDuration.
	LeaseDuration time.Duration
}

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Kind filters by kind. Empty means all kinds.
	Kind string
	// State filters by state. Empty means all states.
	State State
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Kind filters by kind. Empty means all kinds.
	Kind string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. Every transition is a
// conditional update: claims apply only to pending jobs whose run_at has
// passed, and completion, retry, failure and renewal apply only while
// the job is locked by the calling worker. A transition whose condition
// no longer holds returns dispatch.ErrLeaseLost.
type Store interface {
	// InsertJob persists a new pending job. When j.DedupeKey is set and an
	// active job of the same kind carries it, nothing is written and the
	// existing job is returned with inserted == false.
	InsertJob(ctx context.Context, j *Job) (existing *Job, inserted bool, err error)

	// PendingQueues returns the distinct queues holding pending jobs with
	// run_at <= now.
	PendingQueues(ctx context.Context, now time.Time) ([]string, error)

	// ClaimJobs atomically locks eligible pending jobs. Per queue it takes
	// at most min(Max, Limit - jobs of that queue already locked), ordered
	// by priority desc, run_at asc, id asc, and never more than req.Limit
	// in total.
	ClaimJobs(ctx context.Context, req ClaimRequest) ([]*Job, error)

	// CompleteJob marks a locked job succeeded.
	CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// RetryJob returns a locked job to pending with the given attempt
	// count and run_at.
	RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, runAt time.Time, lastErr string) error

	// FailJob marks a locked job failed.
	FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, reason FailureReason, lastErr string) error

	// RenewLease moves locked_until of a job locked by workerID.
	RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, until time.Time) error

	// ReclaimExpiredLeases finds locked jobs with locked_until < now and
	// counts the lost attempt: they return to pending with run_at = now,
	// or fail with ReasonLeaseExpired when no attempts remain. It returns
	// the updated jobs.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs matching opts, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// DeleteJob removes a terminal job. Active jobs are not deleted and
	// return dispatch.ErrInvalidState.
	DeleteJob(ctx context.Context, jobID id.JobID) error
}
