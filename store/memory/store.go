// Package memory is an in-process store.Store for development and tests.
// All state lives in maps guarded by one mutex, which makes every
// operation trivially atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/store"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store. Safe for
// concurrent access. Reads and writes copy jobs so callers never share
// memory with the store.
type Store struct {
	mu     sync.Mutex
	closed bool

	jobs map[string]*job.Job
	// dedupe maps kind + key to the ID of the active job holding it.
	dedupe map[string]string
	// slots maps cron entry + slot to the time the claim expires.
	slots map[string]time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		dedupe: make(map[string]string),
		slots:  make(map[string]time.Time),
	}
}

func dedupeKey(kind, key string) string { return kind + "\x00" + key }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return dispatch.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Later calls fail with ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// InsertJob persists a new pending job unless an active job of the same
// kind holds its dedupe key.
func (m *Store) InsertJob(_ context.Context, j *job.Job) (*job.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, dispatch.ErrStoreClosed
	}

	if j.DedupeKey != "" {
		if existingID, ok := m.dedupe[dedupeKey(j.Kind, j.DedupeKey)]; ok {
			return m.jobs[existingID].Clone(), false, nil
		}
	}
	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return nil, false, fmt.Errorf("%w: %s", dispatch.ErrJobAlreadyExists, key)
	}

	cp := j.Clone()
	m.jobs[key] = cp
	if cp.DedupeKey != "" && cp.State.Active() {
		m.dedupe[dedupeKey(cp.Kind, cp.DedupeKey)] = key
	}
	return cp.Clone(), true, nil
}

// ──────────────────────────────────────────────────
// Claim
// ──────────────────────────────────────────────────

// PendingQueues returns the sorted distinct queues with ready jobs.
func (m *Store) PendingQueues(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dispatch.ErrStoreClosed
	}

	seen := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.State == job.StatePending && !j.RunAt.After(now) {
			seen[j.Queue] = struct{}{}
		}
	}
	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, nil
}

// ClaimJobs locks ready jobs queue by queue, honoring each queue's limit
// against jobs locked by any worker.
func (m *Store) ClaimJobs(_ context.Context, req job.ClaimRequest) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dispatch.ErrStoreClosed
	}

	until := req.Now.Add(req.LeaseDuration)
	remaining := req.Limit
	var claimed []*job.Job

	for _, qc := range req.Queues {
		if remaining <= 0 {
			break
		}
		take := min(qc.Max, remaining)
		if qc.Limit > 0 {
			take = min(take, qc.Limit-m.lockedIn(qc.Queue))
		}
		if take <= 0 {
			continue
		}

		ready := m.readyIn(qc.Queue, req.Now)
		if len(ready) > take {
			ready = ready[:take]
		}
		for _, j := range ready {
			j.State = job.StateLocked
			j.LockedBy = req.WorkerID
			lockedUntil := until
			j.LockedUntil = &lockedUntil
			j.UpdatedAt = req.Now
			claimed = append(claimed, j.Clone())
		}
		remaining -= len(ready)
	}
	return claimed, nil
}

func (m *Store) lockedIn(queue string) int {
	n := 0
	for _, j := range m.jobs {
		if j.Queue == queue && j.State == job.StateLocked {
			n++
		}
	}
	return n
}

func (m *Store) readyIn(queue string, now time.Time) []*job.Job {
	var ready []*job.Job
	for _, j := range m.jobs {
		if j.Queue == queue && j.State == job.StatePending && !j.RunAt.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool { return job.Less(ready[i], ready[k]) })
	return ready
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

// held returns the job if it is locked by workerID. Callers hold m.mu.
func (m *Store) held(jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	if m.closed {
		return nil, dispatch.ErrStoreClosed
	}
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	if j.State != job.StateLocked || j.LockedBy.String() != workerID.String() {
		return nil, dispatch.ErrLeaseLost
	}
	return j, nil
}

func (m *Store) release(j *job.Job, now time.Time) {
	j.LockedBy = id.Nil
	j.LockedUntil = nil
	j.UpdatedAt = now
	if j.State.Terminal() {
		j.CompletedAt = &now
		if j.DedupeKey != "" {
			delete(m.dedupe, dedupeKey(j.Kind, j.DedupeKey))
		}
	}
}

// CompleteJob marks a locked job succeeded.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	j.State = job.StateSucceeded
	m.release(j, time.Now().UTC())
	return nil
}

// RetryJob returns a locked job to pending.
func (m *Store) RetryJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, runAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	j.State = job.StatePending
	j.Attempt = attempt
	j.RunAt = runAt
	j.LastError = lastErr
	m.release(j, time.Now().UTC())
	return nil
}

// FailJob marks a locked job failed.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, reason job.FailureReason, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	j.State = job.StateFailed
	j.Attempt = attempt
	j.FailureReason = reason
	j.LastError = lastErr
	m.release(j, time.Now().UTC())
	return nil
}

// RenewLease extends locked_until of a job held by workerID.
func (m *Store) RenewLease(_ context.Context, jobID id.JobID, workerID id.WorkerID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	u := until
	j.LockedUntil = &u
	return nil
}

// ReclaimExpiredLeases takes back jobs whose lease ended before now.
func (m *Store) ReclaimExpiredLeases(_ context.Context, now time.Time) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dispatch.ErrStoreClosed
	}

	var reclaimed []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateLocked || j.LockedUntil == nil || !j.LockedUntil.Before(now) {
			continue
		}
		j.Attempt++
		j.LastError = "lease expired"
		if j.Attempt >= j.MaxAttempts {
			j.State = job.StateFailed
			j.FailureReason = job.ReasonLeaseExpired
		} else {
			j.State = job.StatePending
			j.RunAt = now
		}
		m.release(j, now)
		reclaimed = append(reclaimed, j.Clone())
	}
	sort.Slice(reclaimed, func(i, k int) bool { return id.Compare(reclaimed[i].ID, reclaimed[k].ID) < 0 })
	return reclaimed, nil
}

// ──────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dispatch.ErrStoreClosed
	}
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	return j.Clone(), nil
}

func matches(j *job.Job, queue, kind string, state job.State) bool {
	return (queue == "" || j.Queue == queue) &&
		(kind == "" || j.Kind == kind) &&
		(state == "" || j.State == state)
}

// ListJobs returns matching jobs, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dispatch.ErrStoreClosed
	}

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if matches(j, opts.Queue, opts.Kind, opts.State) {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		return id.Compare(result[i].ID, result[k].ID) > 0
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of matching jobs.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, dispatch.ErrStoreClosed
	}

	var n int64
	for _, j := range m.jobs {
		if matches(j, opts.Queue, opts.Kind, opts.State) {
			n++
		}
	}
	return n, nil
}

// DeleteJob removes a terminal job.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return dispatch.ErrStoreClosed
	}

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return dispatch.ErrJobNotFound
	}
	if j.State.Active() {
		return fmt.Errorf("%w: job %s is %s", dispatch.ErrInvalidState, key, j.State)
	}
	delete(m.jobs, key)
	return nil
}

// ──────────────────────────────────────────────────
// Cron slots
// ──────────────────────────────────────────────────

// ClaimSlot records the firing of entry at slot. It reports false when
// an unexpired claim already exists.
func (m *Store) ClaimSlot(_ context.Context, entry string, slot time.Time, retain time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, dispatch.ErrStoreClosed
	}

	now := time.Now().UTC()
	for k, exp := range m.slots {
		if !exp.After(now) {
			delete(m.slots, k)
		}
	}
	key := entry + "\x00" + strconv.FormatInt(slot.Unix(), 10)
	if _, taken := m.slots[key]; taken {
		return false, nil
	}
	m.slots[key] = now.Add(retain)
	return true, nil
}
