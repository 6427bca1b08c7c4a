package job

import (
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting for run_at and a free slot.
	StatePending State = "pending"
	// StateLocked means a worker holds a lease and is executing the job.
	StateLocked State = "locked"
	// StateSucceeded means the handler returned without error. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed means the job will not run again. Terminal.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Active reports whether the job counts against dedupe keys.
func (s State) Active() bool {
	return s == StatePending || s == StateLocked
}

// FailureReason classifies why a job reached StateFailed.
type FailureReason string

const (
	// ReasonAttemptsExhausted: a retryable failure used the last attempt.
	ReasonAttemptsExhausted FailureReason = "attempts_exhausted"
	// ReasonFatal: the handler marked the failure as unrecoverable.
	ReasonFatal FailureReason = "fatal"
	// ReasonStaleKind: no task is registered for the kind in this process.
	ReasonStaleKind FailureReason = "stale_kind"
	// ReasonInvalidPayload: the stored payload no longer validates.
	ReasonInvalidPayload FailureReason = "invalid_payload"
	// ReasonLeaseExpired: the last attempt was lost to an expired lease.
	ReasonLeaseExpired FailureReason = "lease_expired"
)

// Job represents one enqueued unit of work.
type Job struct {
	dispatch.Entity

	ID            id.JobID      `json:"id"`
	Kind          string        `json:"kind"`
	Payload       []byte        `json:"payload"`
	Queue         string        `json:"queue"`
	Priority      int           `json:"priority"`
	Attempt       int           `json:"attempt"`
	MaxAttempts   int           `json:"max_attempts"`
	State         State         `json:"state"`
	RunAt         time.Time     `json:"run_at"`
	LockedBy      id.WorkerID   `json:"locked_by,omitempty"`
	LockedUntil   *time.Time    `json:"locked_until,omitempty"`
	DedupeKey     string        `json:"dedupe_key,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		cp.LockedUntil = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Less reports whether a is claimed before b within one queue:
// priority descending, run_at ascending, id ascending.
func Less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return id.Compare(a.ID, b.ID) < 0
}
