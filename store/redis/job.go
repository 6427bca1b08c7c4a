package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// InsertJob stores the job hash and indexes it, unless an active job of
// the same kind holds its dedupe key.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	args := []any{
		j.ID.String(), j.Kind, j.DedupeKey, j.Queue, string(j.State),
		micros(j.RunAt), micros(j.CreatedAt),
	}
	for k, v := range jobToMap(j) {
		args = append(args, k, v)
	}

	res, err := s.run(ctx, insertScript, args...).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("dispatch/redis: insert job: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("dispatch/redis: insert job: unexpected reply %v", res)
	}
	status, _ := res[0].(int64)
	jID, _ := res[1].(string)

	switch status {
	case -1:
		return nil, false, fmt.Errorf("%w: %s", dispatch.ErrJobAlreadyExists, j.ID)
	case 0:
		existing, err := s.getJobByKey(ctx, s.jobKey(jID))
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	stored, err := s.getJobByKey(ctx, s.jobKey(jID))
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// PendingQueues returns the sorted distinct queues with ready jobs.
func (s *Store) PendingQueues(ctx context.Context, now time.Time) ([]string, error) {
	queues, err := s.run(ctx, pendingQueuesScript, micros(now)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: pending queues: %w", err)
	}
	sort.Strings(queues)
	return queues, nil
}

// ClaimJobs locks ready jobs queue by queue in one script call.
func (s *Store) ClaimJobs(ctx context.Context, req job.ClaimRequest) ([]*job.Job, error) {
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}
	args := []any{req.WorkerID.String(), micros(req.Now), micros(req.Now.Add(req.LeaseDuration)), req.Limit}
	for _, qc := range req.Queues {
		args = append(args, qc.Queue, qc.Limit, qc.Max)
	}

	res, err := s.run(ctx, claimScript, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: claim jobs: %w", err)
	}
	return hashesToJobs(res)
}

// CompleteJob marks a locked job succeeded.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	return s.transition(ctx, jobID, workerID, "complete")
}

// RetryJob returns a locked job to pending.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, runAt time.Time, lastErr string) error {
	return s.transition(ctx, jobID, workerID, "retry", attempt, micros(runAt), lastErr)
}

// FailJob marks a locked job failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, reason job.FailureReason, lastErr string) error {
	return s.transition(ctx, jobID, workerID, "fail", attempt, string(reason), lastErr)
}

// RenewLease extends locked_until of a job held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, until time.Time) error {
	return s.transition(ctx, jobID, workerID, "renew", micros(until))
}

func (s *Store) transition(ctx context.Context, jobID id.JobID, workerID id.WorkerID, op string, opArgs ...any) error {
	args := append([]any{jobID.String(), workerID.String(), op, micros(time.Now())}, opArgs...)
	status, err := s.run(ctx, transitionScript, args...).Text()
	if err != nil {
		return fmt.Errorf("dispatch/redis: %s job %s: %w", op, jobID, err)
	}
	switch status {
	case "ok":
		return nil
	case "not_found":
		return dispatch.ErrJobNotFound
	default:
		return dispatch.ErrLeaseLost
	}
}

// ReclaimExpiredLeases counts the lost attempt of every job whose lease
// ended before now and releases it.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*job.Job, error) {
	res, err := s.run(ctx, reclaimScript, micros(now)).Slice()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: reclaim leases: %w", err)
	}
	jobs, err := hashesToJobs(res)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return id.Compare(jobs[i].ID, jobs[k].ID) < 0 })
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, s.jobKey(jobID.String()))
}

// ListJobs returns matching jobs, newest first. Filtered listings read
// every job hash.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	if opts.Queue == "" && opts.Kind == "" && opts.State == "" {
		stop := int64(-1)
		if opts.Limit > 0 {
			stop = int64(opts.Offset + opts.Limit - 1)
		}
		ids, err := s.client.ZRevRange(ctx, s.jobsKey(), int64(opts.Offset), stop).Result()
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: list jobs: %w", err)
		}
		return s.getJobs(ctx, ids)
	}

	ids, err := s.client.ZRevRange(ctx, s.jobsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: list jobs: %w", err)
	}
	all, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if matches(j, opts.Queue, opts.Kind, opts.State) {
			jobs = append(jobs, j)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of matching jobs.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	if opts.Queue == "" && opts.Kind == "" && opts.State == "" {
		n, err := s.client.ZCard(ctx, s.jobsKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("dispatch/redis: count jobs: %w", err)
		}
		return n, nil
	}
	jobs, err := s.ListJobs(ctx, job.ListOpts{Queue: opts.Queue, Kind: opts.Kind, State: opts.State})
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

// DeleteJob removes a terminal job.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	status, err := s.run(ctx, deleteScript, jobID.String()).Text()
	if err != nil {
		return fmt.Errorf("dispatch/redis: delete job: %w", err)
	}
	switch status {
	case "ok":
		return nil
	case "not_found":
		return dispatch.ErrJobNotFound
	default:
		return fmt.Errorf("%w: job %s is active", dispatch.ErrInvalidState, jobID)
	}
}

// ── helpers ──

func matches(j *job.Job, queue, kind string, state job.State) bool {
	return (queue == "" || j.Queue == queue) &&
		(kind == "" || j.Kind == kind) &&
		(state == "" || j.State == state)
}

func (s *Store) getJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dispatch/redis: get jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue // deleted since the index was read
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, dispatch.ErrJobNotFound
		}
		return nil, fmt.Errorf("dispatch/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, dispatch.ErrJobNotFound
	}
	return mapToJob(vals)
}

// hashesToJobs converts a script reply of HGETALL arrays.
func hashesToJobs(res []any) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(res))
	for _, r := range res {
		flat, ok := r.([]any)
		if !ok || len(flat)%2 != 0 {
			return nil, fmt.Errorf("dispatch/redis: unexpected hash reply %T", r)
		}
		m := make(map[string]string, len(flat)/2)
		for i := 0; i < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			m[k] = v
		}
		j, err := mapToJob(m)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func microsPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return micros(*t)
}

func parseMicros(v string) time.Time {
	n, _ := strconv.ParseInt(v, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return time.UnixMicro(n).UTC()
}

func parseMicrosPtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseMicros(v)
	return &t
}

func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":             j.ID.String(),
		"kind":           j.Kind,
		"payload":        string(j.Payload),
		"queue":          j.Queue,
		"priority":       strconv.Itoa(j.Priority),
		"attempt":        strconv.Itoa(j.Attempt),
		"max_attempts":   strconv.Itoa(j.MaxAttempts),
		"state":          string(j.State),
		"run_at":         micros(j.RunAt),
		"locked_by":      j.LockedBy.String(),
		"locked_until":   microsPtr(j.LockedUntil),
		"dedupe_key":     j.DedupeKey,
		"last_error":     j.LastError,
		"failure_reason": string(j.FailureReason),
		"timeout_ns":     strconv.FormatInt(int64(j.Timeout), 10),
		"completed_at":   microsPtr(j.CompletedAt),
		"created_at":     micros(j.CreatedAt),
		"updated_at":     micros(j.UpdatedAt),
	}
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])              //nolint:errcheck // best-effort parse from trusted Redis data
	attempt, _ := strconv.Atoi(m["attempt"])                //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])       //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout_ns"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: dispatch.Entity{
			CreatedAt: parseMicros(m["created_at"]),
			UpdatedAt: parseMicros(m["updated_at"]),
		},
		ID:            jID,
		Kind:          m["kind"],
		Payload:       []byte(m["payload"]),
		Queue:         m["queue"],
		Priority:      priority,
		Attempt:       attempt,
		MaxAttempts:   maxAttempts,
		State:         job.State(m["state"]),
		RunAt:         parseMicros(m["run_at"]),
		LockedUntil:   parseMicrosPtr(m["locked_until"]),
		DedupeKey:     m["dedupe_key"],
		LastError:     m["last_error"],
		FailureReason: job.FailureReason(m["failure_reason"]),
		Timeout:       time.Duration(timeout),
		CompletedAt:   parseMicrosPtr(m["completed_at"]),
	}
	if wid := m["locked_by"]; wid != "" {
		j.LockedBy, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return j, nil
}
