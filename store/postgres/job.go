package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

const jobColumns = `id, kind, payload, queue, priority, attempt, max_attempts, state,
	run_at, locked_by, locked_until, dedupe_key, last_error, failure_reason,
	timeout_ns, completed_at, created_at, updated_at`

// InsertJob persists a new job. An active job of the same kind holding
// the dedupe key wins over the insert and is returned instead.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	// The existing holder of a dedupe key can finish between the insert
	// and the lookup; retry once the key is free again.
	for range 3 {
		rows, err := s.pool.Query(ctx, `
			INSERT INTO dispatch_jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (kind, dedupe_key) WHERE dedupe_key IS NOT NULL AND state IN ('pending', 'locked')
			DO NOTHING
			RETURNING `+jobColumns,
			j.ID.String(), j.Kind, j.Payload, j.Queue, j.Priority, j.Attempt, j.MaxAttempts, string(j.State),
			j.RunAt, nullableWorker(j.LockedBy), j.LockedUntil, nullableString(j.DedupeKey), j.LastError, string(j.FailureReason),
			j.Timeout.Nanoseconds(), j.CompletedAt, j.CreatedAt, j.UpdatedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("dispatch/postgres: insert job: %w", err)
		}
		inserted, err := collectJobs(rows)
		if err != nil {
			if isDuplicateKey(err) {
				return nil, false, fmt.Errorf("%w: %s", dispatch.ErrJobAlreadyExists, j.ID)
			}
			return nil, false, err
		}
		if len(inserted) == 1 {
			return inserted[0], true, nil
		}

		existing, err := scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM dispatch_jobs
			WHERE kind = $1 AND dedupe_key = $2 AND state IN ('pending', 'locked')`,
			j.Kind, j.DedupeKey,
		))
		if err == nil {
			return existing, false, nil
		}
		if !isNoRows(err) {
			return nil, false, fmt.Errorf("dispatch/postgres: lookup dedupe key: %w", err)
		}
	}
	return nil, false, fmt.Errorf("dispatch/postgres: insert job %s: dedupe key %q kept changing hands", j.ID, j.DedupeKey)
}

// PendingQueues returns the distinct queues with ready jobs.
func (s *Store) PendingQueues(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT queue FROM dispatch_jobs
		WHERE state = 'pending' AND run_at <= $1
		ORDER BY queue`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: pending queues: %w", err)
	}
	queues, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: pending queues: %w", err)
	}
	return queues, nil
}

// ClaimJobs locks ready jobs in one transaction. Rows are taken with
// SKIP LOCKED; queues with a limit are additionally serialized with an
// advisory lock so the locked count cannot change under the claim.
func (s *Store) ClaimJobs(ctx context.Context, req job.ClaimRequest) ([]*job.Job, error) {
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Advisory locks are taken in name order so two claims with different
	// queue preferences cannot deadlock.
	var limited []string
	for _, qc := range req.Queues {
		if qc.Limit > 0 {
			limited = append(limited, qc.Queue)
		}
	}
	sort.Strings(limited)
	for _, q := range limited {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "dispatch:"+q); err != nil {
			return nil, fmt.Errorf("dispatch/postgres: lock queue %s: %w", q, err)
		}
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
			var locked int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM dispatch_jobs WHERE queue = $1 AND state = 'locked'`,
				qc.Queue,
			).Scan(&locked); err != nil {
				return nil, fmt.Errorf("dispatch/postgres: count locked in %s: %w", qc.Queue, err)
			}
			take = min(take, qc.Limit-locked)
		}
		if take <= 0 {
			continue
		}

		rows, err := tx.Query(ctx, `
			UPDATE dispatch_jobs
			SET state = 'locked', locked_by = $2, locked_until = $3, updated_at = $4
			WHERE id IN (
				SELECT id FROM dispatch_jobs
				WHERE queue = $1 AND state = 'pending' AND run_at <= $4
				ORDER BY priority DESC, run_at ASC, id ASC
				LIMIT $5
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			qc.Queue, req.WorkerID.String(), until, req.Now, take,
		)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: claim from %s: %w", qc.Queue, err)
		}
		jobs, err := collectJobs(rows)
		if err != nil {
			return nil, err
		}
		sort.Slice(jobs, func(i, k int) bool { return job.Less(jobs[i], jobs[k]) })
		claimed = append(claimed, jobs...)
		remaining -= len(jobs)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: commit claim: %w", err)
	}
	return claimed, nil
}

// CompleteJob marks a locked job succeeded.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs
		SET state = 'succeeded', locked_by = NULL, locked_until = NULL,
			completed_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'locked' AND locked_by = $2`,
		jobID.String(), workerID.String(), now,
	)
}

// RetryJob returns a locked job to pending.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, runAt time.Time, lastErr string) error {
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs
		SET state = 'pending', locked_by = NULL, locked_until = NULL,
			attempt = $3, run_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1 AND state = 'locked' AND locked_by = $2`,
		jobID.String(), workerID.String(), attempt, runAt, lastErr, time.Now().UTC(),
	)
}

// FailJob marks a locked job failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, reason job.FailureReason, lastErr string) error {
	now := time.Now().UTC()
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs
		SET state = 'failed', locked_by = NULL, locked_until = NULL,
			attempt = $3, failure_reason = $4, last_error = $5,
			completed_at = $6, updated_at = $6
		WHERE id = $1 AND state = 'locked' AND locked_by = $2`,
		jobID.String(), workerID.String(), attempt, string(reason), lastErr, now,
	)
}

// RenewLease extends locked_until of a job held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, until time.Time) error {
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs SET locked_until = $3
		WHERE id = $1 AND state = 'locked' AND locked_by = $2`,
		jobID.String(), workerID.String(), until,
	)
}

// transition runs a conditional update and tells a missing job apart
// from a lost lease when no row matched.
func (s *Store) transition(ctx context.Context, jobID id.JobID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := s.exists(ctx, jobID)
	if err != nil {
		return err
	}
	if !exists {
		return dispatch.ErrJobNotFound
	}
	return dispatch.ErrLeaseLost
}

func (s *Store) exists(ctx context.Context, jobID id.JobID) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispatch_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispatch/postgres: check job %s: %w", jobID, err)
	}
	return exists, nil
}

// ReclaimExpiredLeases counts the lost attempt of every job whose lease
// ended before now and releases it.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE dispatch_jobs SET
			attempt        = attempt + 1,
			last_error     = 'lease expired',
			state          = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			failure_reason = CASE WHEN attempt + 1 >= max_attempts THEN 'lease_expired' ELSE failure_reason END,
			run_at         = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE $1 END,
			completed_at   = CASE WHEN attempt + 1 >= max_attempts THEN $1 ELSE completed_at END,
			locked_by      = NULL,
			locked_until   = NULL,
			updated_at     = $1
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE state = 'locked' AND locked_until < $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: reclaim leases: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return id.Compare(jobs[i].ID, jobs[k].ID) < 0 })
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = $1`, jobID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrJobNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get job: %w", err)
	}
	return j, nil
}

func filter(b sq.SelectBuilder, queue, kind string, state job.State) sq.SelectBuilder {
	if queue != "" {
		b = b.Where(sq.Eq{"queue": queue})
	}
	if kind != "" {
		b = b.Where(sq.Eq{"kind": kind})
	}
	if state != "" {
		b = b.Where(sq.Eq{"state": string(state)})
	}
	return b
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	b := filter(s.sb.Select(jobColumns).From("dispatch_jobs"), opts.Queue, opts.Kind, opts.State).
		OrderBy("created_at DESC", "id DESC")
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		b = b.Offset(uint64(opts.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs returns the number of matching jobs.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query, args, err := filter(s.sb.Select("COUNT(*)").From("dispatch_jobs"), opts.Queue, opts.Kind, opts.State).ToSql()
	if err != nil {
		return 0, fmt.Errorf("dispatch/postgres: build count query: %w", err)
	}
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("dispatch/postgres: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a terminal job.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dispatch_jobs WHERE id = $1 AND state IN ('succeeded', 'failed')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := s.exists(ctx, jobID)
	if err != nil {
		return err
	}
	if !exists {
		return dispatch.ErrJobNotFound
	}
	return fmt.Errorf("%w: job %s is active", dispatch.ErrInvalidState, jobID)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		stateStr  string
		reasonStr string
		lockedBy  *string
		dedupeKey *string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Kind, &j.Payload, &j.Queue, &j.Priority, &j.Attempt, &j.MaxAttempts, &stateStr,
		&j.RunAt, &lockedBy, &j.LockedUntil, &dedupeKey, &j.LastError, &reasonStr,
		&timeoutNs, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID
	if lockedBy != nil && *lockedBy != "" {
		if w, werr := id.ParseWorkerID(*lockedBy); werr == nil {
			j.LockedBy = w
		}
	}
	if dedupeKey != nil {
		j.DedupeKey = *dedupeKey
	}
	j.State = job.State(stateStr)
	j.FailureReason = job.FailureReason(reasonStr)
	j.Timeout = time.Duration(timeoutNs)

	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.LockedUntil = utcPtr(j.LockedUntil)
	j.CompletedAt = utcPtr(j.CompletedAt)
	return &j, nil
}

// collectJobs scans and closes rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
