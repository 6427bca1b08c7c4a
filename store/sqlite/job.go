package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

const jobColumns = `id, kind, payload, queue, priority, attempt, max_attempts, state,
	run_at, locked_by, locked_until, dedupe_key, last_error, failure_reason,
	timeout_ns, completed_at, created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("dispatch/sqlite: begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dispatch/sqlite: commit: %w", err)
	}
	return nil
}

// InsertJob persists a new job unless an active job of the same kind
// holds its dedupe key.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	var (
		out      *job.Job
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if j.DedupeKey != "" {
			existing, err := scanJob(tx.QueryRowContext(ctx, `
				SELECT `+jobColumns+` FROM dispatch_jobs
				WHERE kind = ? AND dedupe_key = ? AND state IN ('pending', 'locked')`,
				j.Kind, j.DedupeKey,
			))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("dispatch/sqlite: lookup dedupe key: %w", err)
			}
		}

		if ok, err := exists(ctx, tx, j.ID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %s", dispatch.ErrJobAlreadyExists, j.ID)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispatch_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID.String(), j.Kind, j.Payload, j.Queue, j.Priority, j.Attempt, j.MaxAttempts, string(j.State),
			micros(j.RunAt), nullableString(j.LockedBy.String()), microsPtr(j.LockedUntil), nullableString(j.DedupeKey),
			j.LastError, string(j.FailureReason), j.Timeout.Nanoseconds(), microsPtr(j.CompletedAt),
			micros(j.CreatedAt), micros(j.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("dispatch/sqlite: insert job: %w", err)
		}
		out, err = getJob(ctx, tx, j.ID)
		inserted = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

// PendingQueues returns the distinct queues with ready jobs.
func (s *Store) PendingQueues(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT queue FROM dispatch_jobs
		WHERE state = 'pending' AND run_at <= ?
		ORDER BY queue`,
		micros(now),
	)
	if err != nil {
		return nil, mapErr(fmt.Errorf("dispatch/sqlite: pending queues: %w", err))
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("dispatch/sqlite: scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// ClaimJobs locks ready jobs queue by queue in one transaction.
func (s *Store) ClaimJobs(ctx context.Context, req job.ClaimRequest) ([]*job.Job, error) {
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}

	until := req.Now.Add(req.LeaseDuration)
	var claimed []*job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		remaining := req.Limit
		for _, qc := range req.Queues {
			if remaining <= 0 {
				break
			}
			take := min(qc.Max, remaining)
			if qc.Limit > 0 {
				var locked int
				if err := tx.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM dispatch_jobs WHERE queue = ? AND state = 'locked'`,
					qc.Queue,
				).Scan(&locked); err != nil {
					return fmt.Errorf("dispatch/sqlite: count locked in %s: %w", qc.Queue, err)
				}
				take = min(take, qc.Limit-locked)
			}
			if take <= 0 {
				continue
			}

			rows, err := tx.QueryContext(ctx, `
				UPDATE dispatch_jobs
				SET state = 'locked', locked_by = ?, locked_until = ?, updated_at = ?
				WHERE id IN (
					SELECT id FROM dispatch_jobs
					WHERE queue = ? AND state = 'pending' AND run_at <= ?
					ORDER BY priority DESC, run_at ASC, id ASC
					LIMIT ?
				)
				RETURNING `+jobColumns,
				req.WorkerID.String(), micros(until), micros(req.Now), qc.Queue, micros(req.Now), take,
			)
			if err != nil {
				return fmt.Errorf("dispatch/sqlite: claim from %s: %w", qc.Queue, err)
			}
			jobs, err := collectJobs(rows)
			if err != nil {
				return err
			}
			sort.Slice(jobs, func(i, k int) bool { return job.Less(jobs[i], jobs[k]) })
			claimed = append(claimed, jobs...)
			remaining -= len(jobs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob marks a locked job succeeded.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := micros(time.Now())
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs
		SET state = 'succeeded', locked_by = NULL, locked_until = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'locked' AND locked_by = ?`,
		now, now, jobID.String(), workerID.String(),
	)
}

// RetryJob returns a locked job to pending.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, runAt time.Time, lastErr string) error {
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs
		SET state = 'pending', locked_by = NULL, locked_until = NULL,
			attempt = ?, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'locked' AND locked_by = ?`,
		attempt, micros(runAt), lastErr, micros(time.Now()), jobID.String(), workerID.String(),
	)
}

// FailJob marks a locked job failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, attempt int, reason job.FailureReason, lastErr string) error {
	now := micros(time.Now())
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs
		SET state = 'failed', locked_by = NULL, locked_until = NULL,
			attempt = ?, failure_reason = ?, last_error = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'locked' AND locked_by = ?`,
		attempt, string(reason), lastErr, now, now, jobID.String(), workerID.String(),
	)
}

// RenewLease extends locked_until of a job held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, until time.Time) error {
	return s.transition(ctx, jobID, `
		UPDATE dispatch_jobs SET locked_until = ?
		WHERE id = ? AND state = 'locked' AND locked_by = ?`,
		micros(until), jobID.String(), workerID.String(),
	)
}

// transition runs a conditional update and tells a missing job apart
// from a lost lease when no row matched.
func (s *Store) transition(ctx context.Context, jobID id.JobID, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("dispatch/sqlite: update job %s: %w", jobID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		ok, err := exists(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return dispatch.ErrJobNotFound
		}
		return dispatch.ErrLeaseLost
	})
}

func exists(ctx context.Context, q querier, jobID id.JobID) (bool, error) {
	var ok bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispatch_jobs WHERE id = ?)`, jobID.String(),
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("dispatch/sqlite: check job %s: %w", jobID, err)
	}
	return ok, nil
}

// ReclaimExpiredLeases counts the lost attempt of every job whose lease
// ended before now and releases it.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*job.Job, error) {
	ts := micros(now)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE dispatch_jobs SET
			attempt        = attempt + 1,
			last_error     = 'lease expired',
			state          = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			failure_reason = CASE WHEN attempt + 1 >= max_attempts THEN 'lease_expired' ELSE failure_reason END,
			run_at         = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END,
			completed_at   = CASE WHEN attempt + 1 >= max_attempts THEN ? ELSE completed_at END,
			locked_by      = NULL,
			locked_until   = NULL,
			updated_at     = ?
		WHERE state = 'locked' AND locked_until < ?
		RETURNING `+jobColumns,
		ts, ts, ts, ts,
	)
	if err != nil {
		return nil, mapErr(fmt.Errorf("dispatch/sqlite: reclaim leases: %w", err))
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
	j, err := getJob(ctx, s.db, jobID)
	return j, mapErr(err)
}

func getJob(ctx context.Context, q querier, jobID id.JobID) (*job.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = ?`, jobID.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.ErrJobNotFound
		}
		return nil, fmt.Errorf("dispatch/sqlite: get job: %w", err)
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
	switch {
	case opts.Limit > 0:
		b = b.Limit(uint64(opts.Limit))
	case opts.Offset > 0:
		// SQLite requires LIMIT before OFFSET.
		b = b.Limit(1<<63 - 1)
	}
	if opts.Offset > 0 {
		b = b.Offset(uint64(opts.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: build list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("dispatch/sqlite: list jobs: %w", err))
	}
	return collectJobs(rows)
}

// CountJobs returns the number of matching jobs.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query, args, err := filter(s.sb.Select("COUNT(*)").From("dispatch_jobs"), opts.Queue, opts.Kind, opts.State).ToSql()
	if err != nil {
		return 0, fmt.Errorf("dispatch/sqlite: build count query: %w", err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, mapErr(fmt.Errorf("dispatch/sqlite: count jobs: %w", err))
	}
	return count, nil
}

// DeleteJob removes a terminal job.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM dispatch_jobs WHERE id = ? AND state IN ('succeeded', 'failed')`,
			jobID.String(),
		)
		if err != nil {
			return fmt.Errorf("dispatch/sqlite: delete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		ok, err := exists(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return dispatch.ErrJobNotFound
		}
		return fmt.Errorf("%w: job %s is active", dispatch.ErrInvalidState, jobID)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		stateStr    string
		reasonStr   string
		lockedBy    sql.NullString
		dedupeKey   sql.NullString
		lockedUntil sql.NullInt64
		completedAt sql.NullInt64
		runAt       int64
		createdAt   int64
		updatedAt   int64
		timeoutNs   int64
	)
	err := row.Scan(
		&idStr, &j.Kind, &j.Payload, &j.Queue, &j.Priority, &j.Attempt, &j.MaxAttempts, &stateStr,
		&runAt, &lockedBy, &lockedUntil, &dedupeKey, &j.LastError, &reasonStr,
		&timeoutNs, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID
	if lockedBy.Valid && lockedBy.String != "" {
		if w, werr := id.ParseWorkerID(lockedBy.String); werr == nil {
			j.LockedBy = w
		}
	}
	j.DedupeKey = dedupeKey.String
	j.State = job.State(stateStr)
	j.FailureReason = job.FailureReason(reasonStr)
	j.Timeout = time.Duration(timeoutNs)
	j.RunAt = fromMicros(runAt)
	j.CreatedAt = fromMicros(createdAt)
	j.UpdatedAt = fromMicros(updatedAt)
	j.LockedUntil = fromNullMicros(lockedUntil)
	j.CompletedAt = fromNullMicros(completedAt)
	return &j, nil
}

// collectJobs scans and closes rows.
func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func microsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
