package audithook_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hookline/dispatch"
	ah "github.com/hookline/dispatch/audit_hook"
	"github.com/hookline/dispatch/engine"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/store/memory"
)

// ── Mock recorder ────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, evt := range m.events {
		out = append(out, evt.Action)
	}
	return out
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Kind:        "deliverEmail",
		Queue:       "internal-queue",
		Attempt:     2,
		MaxAttempts: 3,
		State:       job.StateLocked,
		LockedBy:    id.NewWorkerID(),
		RunAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// ── Hooks ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	if got := ah.New(&mockRecorder{}).Name(); got != "audit-hook" {
		t.Errorf("Name = %q, want audit-hook", got)
	}
}

func TestExtension_JobEnqueued(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()

	if err := e.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionJobEnqueued {
		t.Errorf("Action = %q, want %q", evt.Action, ah.ActionJobEnqueued)
	}
	if evt.Resource != ah.ResourceJob || evt.Category != ah.CategoryJob {
		t.Errorf("Resource/Category = %q/%q", evt.Resource, evt.Category)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("ResourceID = %q, want %q", evt.ResourceID, j.ID.String())
	}
	if evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Severity/Outcome = %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["kind"] != "deliverEmail" {
		t.Errorf("Metadata[kind] = %v", evt.Metadata["kind"])
	}
	if evt.Metadata["run_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("Metadata[run_at] = %v", evt.Metadata["run_at"])
	}
}

func TestExtension_JobStarted(t *testing.T) {
	rec := &mockRecorder{}
	j := newTestJob()

	if err := ah.New(rec).OnJobStarted(context.Background(), j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	evt := rec.last()
	if evt.Metadata["worker_id"] != j.LockedBy.String() {
		t.Errorf("Metadata[worker_id] = %v, want %s", evt.Metadata["worker_id"], j.LockedBy)
	}
	if evt.Metadata["attempt_number"] != 3 {
		t.Errorf("Metadata[attempt_number] = %v, want 3", evt.Metadata["attempt_number"])
	}
}

func TestExtension_JobSucceeded(t *testing.T) {
	rec := &mockRecorder{}
	elapsed := 150 * time.Millisecond

	if err := ah.New(rec).OnJobSucceeded(context.Background(), newTestJob(), elapsed); err != nil {
		t.Fatalf("OnJobSucceeded: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionJobSucceeded {
		t.Errorf("Action = %q", evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != int64(150) {
		t.Errorf("Metadata[elapsed_ms] = %v, want 150", evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_JobRetrying(t *testing.T) {
	rec := &mockRecorder{}
	next := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)

	err := ah.New(rec).OnJobRetrying(context.Background(), newTestJob(), 2, next, errors.New("smtp 421"))
	if err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}
	evt := rec.last()
	if evt.Severity != ah.SeverityWarning || evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Severity/Outcome = %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Reason != "smtp 421" || evt.Metadata["error"] != "smtp 421" {
		t.Errorf("Reason = %q, Metadata[error] = %v", evt.Reason, evt.Metadata["error"])
	}
	if evt.Metadata["next_run_at"] != "2026-01-02T03:05:00Z" {
		t.Errorf("Metadata[next_run_at] = %v", evt.Metadata["next_run_at"])
	}
}

func TestExtension_JobFailed(t *testing.T) {
	rec := &mockRecorder{}
	jobErr := job.Fatal(errors.New("unknown template"))

	if err := ah.New(rec).OnJobFailed(context.Background(), newTestJob(), job.ReasonFatal, jobErr); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	evt := rec.last()
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity = %q, want critical", evt.Severity)
	}
	if evt.Metadata["failure_reason"] != "fatal" {
		t.Errorf("Metadata[failure_reason] = %v", evt.Metadata["failure_reason"])
	}
	if !strings.Contains(evt.Reason, "unknown template") {
		t.Errorf("Reason = %q", evt.Reason)
	}
}

func TestExtension_JobReclaimed(t *testing.T) {
	tests := []struct {
		state job.State
		want  string
	}{
		{job.StatePending, ah.SeverityWarning},
		{job.StateFailed, ah.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			rec := &mockRecorder{}
			j := newTestJob()
			j.State = tt.state

			if err := ah.New(rec).OnJobReclaimed(context.Background(), j); err != nil {
				t.Fatalf("OnJobReclaimed: %v", err)
			}
			if got := rec.last().Severity; got != tt.want {
				t.Errorf("Severity = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtension_CronFired(t *testing.T) {
	rec := &mockRecorder{}
	jobID := id.NewJobID()

	if err := ah.New(rec).OnCronFired(context.Background(), "refresh-tokens", jobID); err != nil {
		t.Fatalf("OnCronFired: %v", err)
	}
	evt := rec.last()
	if evt.Resource != ah.ResourceCron || evt.ResourceID != "refresh-tokens" {
		t.Errorf("Resource = %q/%q", evt.Resource, evt.ResourceID)
	}
	if evt.Metadata["job_id"] != jobID.String() {
		t.Errorf("Metadata[job_id] = %v", evt.Metadata["job_id"])
	}
}

// ── Options ──────────────────────────────────────────

func TestWithActions_Filters(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobFailed))
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobSucceeded(ctx, j, time.Second)
	_ = e.OnJobFailed(ctx, j, job.ReasonAttemptsExhausted, errors.New("boom"))

	if rec.count() != 1 {
		t.Fatalf("recorded %d events, want 1", rec.count())
	}
	if rec.last().Action != ah.ActionJobFailed {
		t.Errorf("Action = %q", rec.last().Action)
	}
}

func TestRecorderError_IsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	failing := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("audit table locked")
	})
	e := ah.New(failing, ah.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("hook returned %v, want nil", err)
	}
	if !strings.Contains(buf.String(), "audit table locked") {
		t.Errorf("recorder error not logged: %q", buf.String())
	}
}

func TestAllActions(t *testing.T) {
	if n := len(ah.AllActions()); n != 7 {
		t.Errorf("AllActions has %d entries, want 7", n)
	}
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := ah.New(ah.LogRecorder(logger))

	if err := e.OnJobFailed(context.Background(), newTestJob(), job.ReasonFatal, errors.New("bad input")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"action":"job.failed"`, `"failure_reason":"fatal"`, `"error":"bad input"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

// ── Engine wiring ────────────────────────────────────

type pingPayload struct {
	Target string `json:"target"`
}

func (pingPayload) Kind() string { return "sendPing" }

func TestExtension_RecordsEngineLifecycle(t *testing.T) {
	rec := &mockRecorder{}
	d, err := dispatch.New(
		dispatch.WithStore(memory.New()),
		dispatch.WithPollInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	eng, err := engine.Build(d, engine.WithExtension(ah.New(rec)))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if err := engine.Register(eng, job.NewDefinition(func(context.Context, pingPayload) error { return nil })); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(sctx)
	}()

	j, err := engine.Enqueue(ctx, eng, pingPayload{Target: "api"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := eng.Job(ctx, j.ID)
		if got != nil && got.State == job.StateSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never succeeded (last: %+v)", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Succeeded is emitted after the store write; give the hook a moment.
	deadline = time.Now().Add(time.Second)
	for rec.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{ah.ActionJobEnqueued, ah.ActionJobStarted, ah.ActionJobSucceeded}
	got := rec.actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
