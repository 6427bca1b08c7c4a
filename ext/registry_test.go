package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hookline/dispatch/ext"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// recorder implements every hook and records the calls in order.
type recorder struct {
	name    string
	calls   []string
	reasons []job.FailureReason
}

func (e *recorder) Name() string { return e.name }

func (e *recorder) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "enqueued")
	return nil
}

func (e *recorder) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "started")
	return nil
}

func (e *recorder) OnJobSucceeded(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "succeeded")
	return nil
}

func (e *recorder) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time, _ error) error {
	e.calls = append(e.calls, "retrying")
	return nil
}

func (e *recorder) OnJobFailed(_ context.Context, _ *job.Job, reason job.FailureReason, _ error) error {
	e.calls = append(e.calls, "failed")
	e.reasons = append(e.reasons, reason)
	return nil
}

func (e *recorder) OnJobReclaimed(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "reclaimed")
	return nil
}

func (e *recorder) OnCronFired(_ context.Context, _ string, _ id.JobID) error {
	e.calls = append(e.calls, "cron")
	return nil
}

func (e *recorder) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "shutdown")
	return nil
}

// enqueueOnly implements a single hook.
type enqueueOnly struct{ calls int }

func (e *enqueueOnly) Name() string { return "enqueue-only" }

func (e *enqueueOnly) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	e.calls++
	return nil
}

// misbehaving errors from one hook and panics from another.
type misbehaving struct{}

func (misbehaving) Name() string { return "misbehaving" }

func (misbehaving) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (misbehaving) OnJobStarted(_ context.Context, _ *job.Job) error {
	panic("hook exploded")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_Extensions(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&recorder{name: "rec"})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("len(Extensions()) = %d, want 1", got)
	}
	if got := r.Extensions()[0].Name(); got != "rec" {
		t.Errorf("Name() = %q", got)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(nil)
	rec := &recorder{name: "rec"}
	r.Register(rec)

	ctx := context.Background()
	j := &job.Job{Kind: "deliverEmail"}

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobSucceeded(ctx, j, time.Second)
	r.EmitJobRetrying(ctx, j, 1, time.Now(), errors.New("smtp down"))
	r.EmitJobFailed(ctx, j, job.ReasonStaleKind, errors.New("no handler"))
	r.EmitJobReclaimed(ctx, j)
	r.EmitCronFired(ctx, "nightly", id.NewJobID())
	r.EmitShutdown(ctx)

	want := []string{"enqueued", "started", "succeeded", "retrying", "failed", "reclaimed", "cron", "shutdown"}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, rec.calls[i], want[i])
		}
	}
	if len(rec.reasons) != 1 || rec.reasons[0] != job.ReasonStaleKind {
		t.Errorf("reasons = %v", rec.reasons)
	}
}

func TestRegistry_OnlyImplementorsNotified(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	rec := &recorder{name: "rec"}
	eo := &enqueueOnly{}
	r.Register(rec)
	r.Register(eo)

	ctx := context.Background()
	r.EmitJobEnqueued(ctx, &job.Job{})
	r.EmitJobStarted(ctx, &job.Job{})

	if eo.calls != 1 {
		t.Errorf("enqueue-only calls = %d, want 1", eo.calls)
	}
	if len(rec.calls) != 2 {
		t.Errorf("recorder calls = %v", rec.calls)
	}
}

func TestRegistry_HookFailuresContained(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	rec := &recorder{name: "rec"}
	r.Register(misbehaving{})
	r.Register(rec)

	ctx := context.Background()
	r.EmitJobEnqueued(ctx, &job.Job{})
	r.EmitJobStarted(ctx, &job.Job{})

	if len(rec.calls) != 2 {
		t.Fatalf("later extension should still run, calls = %v", rec.calls)
	}
}

func TestRegistry_NilAndEmptyNoOp(_ *testing.T) {
	ctx := context.Background()
	for _, r := range []*ext.Registry{nil, ext.NewRegistry(nil)} {
		r.EmitJobEnqueued(ctx, &job.Job{})
		r.EmitJobStarted(ctx, &job.Job{})
		r.EmitJobSucceeded(ctx, &job.Job{}, time.Second)
		r.EmitJobRetrying(ctx, &job.Job{}, 1, time.Now(), nil)
		r.EmitJobFailed(ctx, &job.Job{}, job.ReasonFatal, errors.New("x"))
		r.EmitJobReclaimed(ctx, &job.Job{})
		r.EmitCronFired(ctx, "test", id.NewJobID())
		r.EmitShutdown(ctx)
		_ = r.Extensions()
	}
}

func TestRegistry_OrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	var order []string
	first := &orderExt{name: "first", order: &order}
	second := &orderExt{name: "second", order: &order}
	r.Register(first)
	r.Register(second)

	r.EmitShutdown(context.Background())
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

type orderExt struct {
	name  string
	order *[]string
}

func (e *orderExt) Name() string { return e.name }

func (e *orderExt) OnShutdown(_ context.Context) error {
	*e.order = append(*e.order, e.name)
	return nil
}
