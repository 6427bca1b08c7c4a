package job_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

func TestLess_ClaimOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first, second := id.NewJobID(), id.NewJobID()
	if id.Compare(first, second) > 0 {
		first, second = second, first
	}

	jobs := []*job.Job{
		{ID: id.NewJobID(), Priority: 0, RunAt: base},
		{ID: second, Priority: 50, RunAt: base},
		{ID: id.NewJobID(), Priority: 50, RunAt: base.Add(-time.Minute)},
		{ID: first, Priority: 50, RunAt: base},
		{ID: id.NewJobID(), Priority: 100, RunAt: base.Add(time.Hour)},
	}
	want := []id.JobID{jobs[4].ID, jobs[2].ID, first, second, jobs[0].ID}

	sort.Slice(jobs, func(i, k int) bool { return job.Less(jobs[i], jobs[k]) })
	for i, j := range jobs {
		if j.ID.String() != want[i].String() {
			t.Errorf("position %d = %s, want %s", i, j.ID, want[i])
		}
	}
}

func TestState(t *testing.T) {
	for _, s := range []job.State{job.StatePending, job.StateLocked} {
		if !s.Active() || s.Terminal() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []job.State{job.StateSucceeded, job.StateFailed} {
		if s.Active() || !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	until := time.Now()
	j := &job.Job{Payload: []byte(`{"a":1}`), LockedUntil: &until}
	cp := j.Clone()
	cp.Payload[0] = 'x'
	*cp.LockedUntil = until.Add(time.Hour)

	if j.Payload[0] != '{' {
		t.Error("payload shared with clone")
	}
	if !j.LockedUntil.Equal(until) {
		t.Error("locked_until shared with clone")
	}
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

func TestFatal(t *testing.T) {
	base := errors.New("bad recipient")
	err := job.Fatal(base)
	if !job.IsFatal(err) {
		t.Fatal("expected fatal")
	}
	if !errors.Is(err, base) {
		t.Error("fatal error should unwrap to cause")
	}
	if job.IsFatal(base) {
		t.Error("plain error reported fatal")
	}
	if job.Fatal(nil) != nil {
		t.Error("Fatal(nil) should be nil")
	}
}

func TestRetryAfter(t *testing.T) {
	err := job.RetryAfter(30*time.Second, errors.New("rate limited"))
	d, ok := job.RetryDelay(err)
	if !ok || d != 30*time.Second {
		t.Fatalf("RetryDelay = %v, %v", d, ok)
	}
	if _, ok := job.RetryDelay(errors.New("plain")); ok {
		t.Error("plain error carries no delay")
	}
}

// ──────────────────────────────────────────────────
// Context helpers
// ──────────────────────────────────────────────────

func TestContext_JobAndRenewer(t *testing.T) {
	ctx := context.Background()
	if _, ok := job.FromContext(ctx); ok {
		t.Fatal("expected no job in bare context")
	}
	if err := job.RenewLease(ctx); err != nil {
		t.Fatalf("RenewLease outside a job: %v", err)
	}

	j := &job.Job{ID: id.NewJobID(), Kind: "deliverEmail"}
	renewed := 0
	ctx = job.WithJob(ctx, j)
	ctx = job.WithRenewer(ctx, func(context.Context) error {
		renewed++
		return nil
	})

	got, ok := job.FromContext(ctx)
	if !ok || got.Kind != "deliverEmail" {
		t.Fatalf("FromContext = %+v, %v", got, ok)
	}
	got.Kind = "mutated"
	if again, _ := job.FromContext(ctx); again.Kind != "deliverEmail" {
		t.Error("FromContext should return a copy")
	}

	if err := job.RenewLease(ctx); err != nil || renewed != 1 {
		t.Errorf("RenewLease: err=%v renewed=%d", err, renewed)
	}
	if job.Logger(ctx) == nil {
		t.Error("Logger should fall back to the default logger")
	}
}
