// Package storetest is the conformance suite for store.Store backends.
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
//	}
//
// Every test gets a fresh, migrated store from the factory.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/store"
)

// Factory returns an empty store ready for use. It registers its own
// cleanup with t.
type Factory func(t *testing.T) store.Store

// Run executes the whole suite against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertDuplicateID", testInsertDuplicateID},
		{"Dedupe", testDedupe},
		{"DedupeReleasedWhenTerminal", testDedupeReleased},
		{"DedupeKindAndKeyDoNotMix", testDedupeKindKeyBoundary},
		{"PendingQueues", testPendingQueues},
		{"ClaimOrder", testClaimOrder},
		{"ClaimSkipsFutureAndLocked", testClaimSkipsFuture},
		{"ClaimTotalLimit", testClaimTotalLimit},
		{"ClaimQueueLimitAcrossWorkers", testClaimQueueLimit},
		{"ConcurrentClaimsDisjoint", testConcurrentClaims},
		{"Complete", testComplete},
		{"Retry", testRetry},
		{"Fail", testFail},
		{"TransitionsRequireLease", testTransitionsRequireLease},
		{"RenewLease", testRenewLease},
		{"ReclaimExpiredLeases", testReclaim},
		{"ListAndCount", testListAndCount},
		{"Delete", testDelete},
		{"CronSlotClaimedOnce", testCronSlotClaimedOnce},
		{"CronSlotClaimExpires", testCronSlotClaimExpires},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

// base is the reference clock for every test. Microsecond precision
// matches the coarsest backend.
var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newJob(kind, queue string, priority int, runAt time.Time) *job.Job {
	return &job.Job{
		Entity:      dispatch.Entity{CreatedAt: runAt, UpdatedAt: runAt},
		ID:          id.NewJobID(),
		Kind:        kind,
		Payload:     []byte(`{"n":1}`),
		Queue:       queue,
		Priority:    priority,
		MaxAttempts: 3,
		State:       job.StatePending,
		RunAt:       runAt,
		Timeout:     time.Minute,
	}
}

func insert(t *testing.T, s store.Store, j *job.Job) *job.Job {
	t.Helper()
	got, inserted, err := s.InsertJob(context.Background(), j)
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if !inserted {
		t.Fatalf("InsertJob: job %s was deduplicated", j.ID)
	}
	return got
}

func claim(t *testing.T, s store.Store, worker id.WorkerID, now time.Time, limit int, queues ...job.QueueClaim) []*job.Job {
	t.Helper()
	jobs, err := s.ClaimJobs(context.Background(), job.ClaimRequest{
		WorkerID:      worker,
		Queues:        queues,
		Limit:         limit,
		Now:           now,
		LeaseDuration: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	return jobs
}

func get(t *testing.T, s store.Store, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", jobID, err)
	}
	return j
}

func all(queue string) job.QueueClaim { return job.QueueClaim{Queue: queue, Max: 100} }

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID.String()
	}
	return out
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

func testInsertAndGet(t *testing.T, s store.Store) {
	j := newJob("deliverEmail", "internal-queue", 100, base)
	j.DedupeKey = "email-1"
	insert(t, s, j)

	got := get(t, s, j.ID)
	if got.Kind != "deliverEmail" || got.Queue != "internal-queue" || got.Priority != 100 {
		t.Errorf("got %+v", got)
	}
	if got.State != job.StatePending || got.Attempt != 0 || got.MaxAttempts != 3 {
		t.Errorf("state=%s attempt=%d max=%d", got.State, got.Attempt, got.MaxAttempts)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if !got.RunAt.Equal(base) {
		t.Errorf("run_at = %v, want %v", got.RunAt, base)
	}
	if got.DedupeKey != "email-1" || got.Timeout != time.Minute {
		t.Errorf("dedupe=%q timeout=%v", got.DedupeKey, got.Timeout)
	}
	if !got.LockedBy.IsNil() || got.LockedUntil != nil {
		t.Error("pending job must not carry a lease")
	}

	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func testInsertDuplicateID(t *testing.T, s store.Store) {
	j := newJob("k", "default", 0, base)
	insert(t, s, j)
	if _, _, err := s.InsertJob(context.Background(), j); err == nil {
		t.Fatal("expected error inserting the same ID twice")
	}
}

func testDedupe(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := newJob("startRun", "executions", 0, base)
	first.DedupeKey = "run_1"
	insert(t, s, first)

	second := newJob("startRun", "executions", 0, base)
	second.DedupeKey = "run_1"
	got, inserted, err := s.InsertJob(ctx, second)
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if inserted {
		t.Fatal("duplicate key inserted")
	}
	if got.ID.String() != first.ID.String() {
		t.Errorf("existing = %s, want %s", got.ID, first.ID)
	}

	// Same key on another kind is independent.
	other := newJob("resumeTask", "executions", 0, base)
	other.DedupeKey = "run_1"
	insert(t, s, other)

	if n, _ := s.CountJobs(ctx, job.CountOpts{Kind: "startRun"}); n != 1 {
		t.Errorf("startRun count = %d, want 1", n)
	}
}

// Kinds and keys containing ':' must not map onto the same dedupe slot.
func testDedupeKindKeyBoundary(t *testing.T, s store.Store) {
	a := newJob("a", "default", 0, base)
	a.DedupeKey = "b:c"
	insert(t, s, a)

	ab := newJob("a:b", "default", 0, base)
	ab.DedupeKey = "c"
	insert(t, s, ab)

	if n, _ := s.CountJobs(context.Background(), job.CountOpts{State: job.StatePending}); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func testDedupeReleased(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()

	first := newJob("refreshOAuthToken", "default", 0, base)
	first.DedupeKey = "conn_1"
	insert(t, s, first)

	// Locked jobs still hold the key.
	claim(t, s, worker, base, 1, all("default"))
	dup := newJob("refreshOAuthToken", "default", 0, base)
	dup.DedupeKey = "conn_1"
	if _, inserted, _ := s.InsertJob(ctx, dup); inserted {
		t.Fatal("locked job should still hold the dedupe key")
	}

	if err := s.CompleteJob(ctx, first.ID, worker); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	again := newJob("refreshOAuthToken", "default", 0, base)
	again.DedupeKey = "conn_1"
	insert(t, s, again)
}

// ──────────────────────────────────────────────────
// Claim
// ──────────────────────────────────────────────────

func testPendingQueues(t *testing.T, s store.Store) {
	insert(t, s, newJob("a", "executions", 0, base))
	insert(t, s, newJob("a", "executions", 0, base))
	insert(t, s, newJob("b", "internal-queue", 0, base.Add(-time.Minute)))
	insert(t, s, newJob("c", "later", 0, base.Add(time.Hour)))

	queues, err := s.PendingQueues(context.Background(), base)
	if err != nil {
		t.Fatalf("PendingQueues: %v", err)
	}
	if fmt.Sprint(queues) != "[executions internal-queue]" {
		t.Errorf("queues = %v", queues)
	}
}

func testClaimOrder(t *testing.T, s store.Store) {
	low := insert(t, s, newJob("k", "q", 0, base.Add(-3*time.Second)))
	highLate := insert(t, s, newJob("k", "q", 100, base.Add(-time.Second)))
	highEarly := insert(t, s, newJob("k", "q", 100, base.Add(-2*time.Second)))
	mid := insert(t, s, newJob("k", "q", 50, base.Add(-time.Second)))

	// Same priority and run_at: the smaller ID wins.
	tieA := newJob("k", "q", 10, base.Add(-time.Second))
	tieB := newJob("k", "q", 10, base.Add(-time.Second))
	if id.Compare(tieA.ID, tieB.ID) > 0 {
		tieA, tieB = tieB, tieA
	}
	insert(t, s, tieB)
	insert(t, s, tieA)

	got := claim(t, s, id.NewWorkerID(), base, 10, all("q"))
	want := []string{
		highEarly.ID.String(), highLate.ID.String(), mid.ID.String(),
		tieA.ID.String(), tieB.ID.String(), low.ID.String(),
	}
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Errorf("claim order = %v\nwant %v", ids(got), want)
	}
}

func testClaimSkipsFuture(t *testing.T, s store.Store) {
	worker := id.NewWorkerID()
	ready := insert(t, s, newJob("k", "q", 0, base))
	insert(t, s, newJob("k", "q", 100, base.Add(time.Second)))

	got := claim(t, s, worker, base, 10, all("q"))
	if len(got) != 1 || got[0].ID.String() != ready.ID.String() {
		t.Fatalf("claimed %v, want only the ready job", ids(got))
	}
	if got[0].State != job.StateLocked || got[0].LockedBy.String() != worker.String() {
		t.Errorf("claimed job state=%s locked_by=%s", got[0].State, got[0].LockedBy)
	}
	if got[0].LockedUntil == nil || !got[0].LockedUntil.Equal(base.Add(30*time.Second)) {
		t.Errorf("locked_until = %v", got[0].LockedUntil)
	}

	if again := claim(t, s, id.NewWorkerID(), base, 10, all("q")); len(again) != 0 {
		t.Errorf("second claim took %v", ids(again))
	}
}

func testClaimTotalLimit(t *testing.T, s store.Store) {
	for i := 0; i < 3; i++ {
		insert(t, s, newJob("k", "a", 0, base))
		insert(t, s, newJob("k", "b", 0, base))
	}
	got := claim(t, s, id.NewWorkerID(), base, 4, all("a"), all("b"))
	if len(got) != 4 {
		t.Fatalf("claimed %d, want 4", len(got))
	}

	perQueue := map[string]int{}
	for _, j := range got {
		perQueue[j.Queue]++
	}
	if perQueue["a"] != 3 || perQueue["b"] != 1 {
		t.Errorf("per queue = %v, want a:3 b:1", perQueue)
	}

	capped := claim(t, s, id.NewWorkerID(), base, 10, job.QueueClaim{Queue: "b", Max: 1})
	if len(capped) != 1 {
		t.Errorf("Max 1 claimed %d", len(capped))
	}
}

func testClaimQueueLimit(t *testing.T, s store.Store) {
	for i := 0; i < 5; i++ {
		insert(t, s, newJob("deliverEmail", "internal-queue", 0, base))
	}
	limited := job.QueueClaim{Queue: "internal-queue", Limit: 2, Max: 10}

	first := claim(t, s, id.NewWorkerID(), base, 10, limited)
	if len(first) != 2 {
		t.Fatalf("first worker claimed %d, want 2", len(first))
	}
	// Locks held by the first worker count for the second.
	if second := claim(t, s, id.NewWorkerID(), base, 10, limited); len(second) != 0 {
		t.Fatalf("second worker claimed %d, want 0", len(second))
	}
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	const total = 40
	for i := 0; i < total; i++ {
		insert(t, s, newJob("k", "q", i%3, base))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := id.NewWorkerID()
			for k := 0; k < 10; k++ {
				jobs, err := s.ClaimJobs(context.Background(), job.ClaimRequest{
					WorkerID: worker, Queues: []job.QueueClaim{all("q")}, Limit: 3,
					Now: base, LeaseDuration: time.Minute,
				})
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ClaimJobs: %v", err)
	}

	if len(seen) != total {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), total)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

func claimOne(t *testing.T, s store.Store, worker id.WorkerID) *job.Job {
	t.Helper()
	j := newJob("k", "q", 0, base)
	j.DedupeKey = j.ID.String()
	insert(t, s, j)
	got := claim(t, s, worker, base, 1, all("q"))
	if len(got) != 1 {
		t.Fatalf("claimed %d, want 1", len(got))
	}
	return got[0]
}

func testComplete(t *testing.T, s store.Store) {
	worker := id.NewWorkerID()
	j := claimOne(t, s, worker)

	if err := s.CompleteJob(context.Background(), j.ID, worker); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got := get(t, s, j.ID)
	if got.State != job.StateSucceeded || got.Attempt != 0 {
		t.Errorf("state=%s attempt=%d", got.State, got.Attempt)
	}
	if got.CompletedAt == nil || !got.LockedBy.IsNil() || got.LockedUntil != nil {
		t.Errorf("completed_at=%v locked_by=%s locked_until=%v", got.CompletedAt, got.LockedBy, got.LockedUntil)
	}
}

func testRetry(t *testing.T, s store.Store) {
	worker := id.NewWorkerID()
	j := claimOne(t, s, worker)
	next := base.Add(5 * time.Second)

	if err := s.RetryJob(context.Background(), j.ID, worker, 1, next, "smtp down"); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got := get(t, s, j.ID)
	if got.State != job.StatePending || got.Attempt != 1 || got.LastError != "smtp down" {
		t.Errorf("state=%s attempt=%d last_error=%q", got.State, got.Attempt, got.LastError)
	}
	if !got.RunAt.Equal(next) || !got.LockedBy.IsNil() {
		t.Errorf("run_at=%v locked_by=%s", got.RunAt, got.LockedBy)
	}

	if early := claim(t, s, worker, base, 1, all("q")); len(early) != 0 {
		t.Error("retried job claimed before run_at")
	}
	if late := claim(t, s, worker, next, 1, all("q")); len(late) != 1 {
		t.Error("retried job not claimable at run_at")
	}
}

func testFail(t *testing.T, s store.Store) {
	worker := id.NewWorkerID()
	j := claimOne(t, s, worker)

	if err := s.FailJob(context.Background(), j.ID, worker, 3, job.ReasonAttemptsExhausted, "gave up"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got := get(t, s, j.ID)
	if got.State != job.StateFailed || got.Attempt != 3 || got.FailureReason != job.ReasonAttemptsExhausted {
		t.Errorf("state=%s attempt=%d reason=%s", got.State, got.Attempt, got.FailureReason)
	}
	if got.LastError != "gave up" || got.CompletedAt == nil {
		t.Errorf("last_error=%q completed_at=%v", got.LastError, got.CompletedAt)
	}
}

func testTransitionsRequireLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner, thief := id.NewWorkerID(), id.NewWorkerID()
	j := claimOne(t, s, owner)

	checks := map[string]error{
		"complete": s.CompleteJob(ctx, j.ID, thief),
		"retry":    s.RetryJob(ctx, j.ID, thief, 1, base, "x"),
		"fail":     s.FailJob(ctx, j.ID, thief, 1, job.ReasonFatal, "x"),
		"renew":    s.RenewLease(ctx, j.ID, thief, base.Add(time.Hour)),
	}
	for name, err := range checks {
		if !errors.Is(err, dispatch.ErrLeaseLost) {
			t.Errorf("%s by other worker: err = %v, want ErrLeaseLost", name, err)
		}
	}

	if err := s.CompleteJob(ctx, j.ID, owner); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.CompleteJob(ctx, j.ID, owner); !errors.Is(err, dispatch.ErrLeaseLost) {
		t.Errorf("second complete: err = %v, want ErrLeaseLost", err)
	}
	if err := s.CompleteJob(ctx, id.NewJobID(), owner); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func testRenewLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	j := claimOne(t, s, worker)
	until := base.Add(10 * time.Minute)

	if err := s.RenewLease(ctx, j.ID, worker, until); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	got := get(t, s, j.ID)
	if got.LockedUntil == nil || !got.LockedUntil.Equal(until) {
		t.Errorf("locked_until = %v, want %v", got.LockedUntil, until)
	}

	// The renewed lease survives a reap that would have taken the old one.
	reclaimed, err := s.ReclaimExpiredLeases(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("reclaimed renewed job: %v", ids(reclaimed))
	}
}

func testReclaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()

	fresh := newJob("k", "q", 0, base)
	last := newJob("k", "q", 0, base)
	last.Attempt = 2
	last.DedupeKey = "last"
	insert(t, s, fresh)
	insert(t, s, last)
	if got := claim(t, s, worker, base, 2, all("q")); len(got) != 2 {
		t.Fatalf("claimed %d, want 2", len(got))
	}

	// Leases end at base+30s; nothing is reclaimed before that.
	if early, _ := s.ReclaimExpiredLeases(ctx, base.Add(10*time.Second)); len(early) != 0 {
		t.Fatalf("reclaimed live leases: %v", ids(early))
	}

	at := base.Add(31 * time.Second)
	reclaimed, err := s.ReclaimExpiredLeases(ctx, at)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if len(reclaimed) != 2 {
		t.Fatalf("reclaimed %d, want 2", len(reclaimed))
	}

	gotFresh := get(t, s, fresh.ID)
	if gotFresh.State != job.StatePending || gotFresh.Attempt != 1 || !gotFresh.RunAt.Equal(at) || !gotFresh.LockedBy.IsNil() {
		t.Errorf("fresh: state=%s attempt=%d run_at=%v locked_by=%s", gotFresh.State, gotFresh.Attempt, gotFresh.RunAt, gotFresh.LockedBy)
	}
	gotLast := get(t, s, last.ID)
	if gotLast.State != job.StateFailed || gotLast.Attempt != 3 || gotLast.FailureReason != job.ReasonLeaseExpired {
		t.Errorf("last: state=%s attempt=%d reason=%s", gotLast.State, gotLast.Attempt, gotLast.FailureReason)
	}

	// The old owner can no longer write.
	if err := s.CompleteJob(ctx, fresh.ID, worker); !errors.Is(err, dispatch.ErrLeaseLost) {
		t.Errorf("stale owner complete: err = %v, want ErrLeaseLost", err)
	}

	// Terminal reclaim releases the dedupe key.
	again := newJob("k", "q", 0, base)
	again.DedupeKey = "last"
	insert(t, s, again)
}

// ──────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	var emails []*job.Job
	for i := 0; i < 4; i++ {
		j := newJob("deliverEmail", "internal-queue", 0, base.Add(time.Duration(i)*time.Second))
		emails = append(emails, insert(t, s, j))
	}
	insert(t, s, newJob("startRun", "executions", 0, base))

	list, err := s.ListJobs(ctx, job.ListOpts{Kind: "deliverEmail", Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 || list[0].ID.String() != emails[3].ID.String() || list[1].ID.String() != emails[2].ID.String() {
		t.Errorf("first page = %v, want newest first", ids(list))
	}

	page2, _ := s.ListJobs(ctx, job.ListOpts{Kind: "deliverEmail", Limit: 2, Offset: 2})
	if len(page2) != 2 || page2[0].ID.String() != emails[1].ID.String() {
		t.Errorf("second page = %v", ids(page2))
	}

	if n, _ := s.CountJobs(ctx, job.CountOpts{}); n != 5 {
		t.Errorf("count all = %d, want 5", n)
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{Queue: "executions"}); n != 1 {
		t.Errorf("count executions = %d, want 1", n)
	}

	claim(t, s, id.NewWorkerID(), base, 1, all("executions"))
	if n, _ := s.CountJobs(ctx, job.CountOpts{State: job.StateLocked}); n != 1 {
		t.Errorf("count locked = %d, want 1", n)
	}
	locked, _ := s.ListJobs(ctx, job.ListOpts{State: job.StateLocked})
	if len(locked) != 1 || locked[0].Kind != "startRun" {
		t.Errorf("locked list = %v", ids(locked))
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	j := claimOne(t, s, worker)

	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, dispatch.ErrInvalidState) {
		t.Fatalf("delete active: err = %v, want ErrInvalidState", err)
	}
	if err := s.CompleteJob(ctx, j.ID, worker); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Errorf("after delete: err = %v, want ErrJobNotFound", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Errorf("second delete: err = %v, want ErrJobNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Cron slots
// ──────────────────────────────────────────────────

func testCronSlotClaimedOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	slot := base.Add(time.Minute)

	ok, err := s.ClaimSlot(ctx, "report", slot, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first ClaimSlot = %v, %v; want true", ok, err)
	}
	if ok, err := s.ClaimSlot(ctx, "report", slot, time.Hour); err != nil || ok {
		t.Fatalf("second ClaimSlot = %v, %v; want false", ok, err)
	}

	// Other slots and other entries are independent.
	if ok, _ := s.ClaimSlot(ctx, "report", slot.Add(time.Minute), time.Hour); !ok {
		t.Error("next slot should be claimable")
	}
	if ok, _ := s.ClaimSlot(ctx, "sweep", slot, time.Hour); !ok {
		t.Error("another entry's slot should be claimable")
	}

	// Concurrent claimers: exactly one wins.
	race := slot.Add(2 * time.Minute)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimSlot(ctx, "report", race, time.Hour)
			if err != nil {
				t.Errorf("ClaimSlot: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func testCronSlotClaimExpires(t *testing.T, s store.Store) {
	ctx := context.Background()
	slot := base.Add(time.Minute)

	if ok, err := s.ClaimSlot(ctx, "report", slot, time.Second); err != nil || !ok {
		t.Fatalf("ClaimSlot = %v, %v; want true", ok, err)
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, err := s.ClaimSlot(ctx, "report", slot, time.Hour); err != nil || !ok {
		t.Errorf("ClaimSlot after expiry = %v, %v; want true", ok, err)
	}
}
