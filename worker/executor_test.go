package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hookline/dispatch/backoff"
	"github.com/hookline/dispatch/ext"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/middleware"
	"github.com/hookline/dispatch/store/memory"
	"github.com/hookline/dispatch/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

type greetPayload struct {
	Name string `json:"name"`
}

func (greetPayload) Kind() string { return "greet" }

func (p greetPayload) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// events records hook calls. Safe for concurrent use.
type events struct {
	mu        sync.Mutex
	started   int
	succeeded int
	retrying  []int
	failed    []job.FailureReason
	reclaimed []string
}

func (e *events) Name() string { return "events" }

func (e *events) OnJobStarted(context.Context, *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
	return nil
}

func (e *events) OnJobSucceeded(context.Context, *job.Job, time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.succeeded++
	return nil
}

func (e *events) OnJobRetrying(_ context.Context, _ *job.Job, attempt int, _ time.Time, _ error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retrying = append(e.retrying, attempt)
	return nil
}

func (e *events) OnJobFailed(_ context.Context, _ *job.Job, reason job.FailureReason, _ error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, reason)
	return nil
}

func (e *events) OnJobReclaimed(_ context.Context, j *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reclaimed = append(e.reclaimed, j.ID.String())
	return nil
}

func (e *events) snapshot() events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events{
		started:   e.started,
		succeeded: e.succeeded,
		retrying:  append([]int(nil), e.retrying...),
		failed:    append([]job.FailureReason(nil), e.failed...),
		reclaimed: append([]string(nil), e.reclaimed...),
	}
}

type harness struct {
	store    *memory.Store
	registry *job.Registry
	events   *events
	exts     *ext.Registry
	executor *worker.Executor
}

func newHarness(t *testing.T, handler func(context.Context, greetPayload) error, opts ...job.Option) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		registry: job.NewRegistry(nil),
		events:   &events{},
	}
	h.exts = ext.NewRegistry(slog.Default())
	h.exts.Register(h.events)

	if handler != nil {
		job.MustRegister(h.registry, job.NewDefinition(handler, opts...))
	}
	h.executor = worker.NewExecutor(h.registry, h.exts, h.store,
		backoff.NewConstant(time.Minute), slog.Default(),
		middleware.Recover(slog.Default()),
		middleware.Timeout(),
	)
	return h
}

// enqueue inserts a pending job of kind with the given raw payload.
func (h *harness) enqueue(t *testing.T, kind, raw string, maxAttempts int) *job.Job {
	t.Helper()
	now := time.Now().UTC()
	j := &job.Job{
		ID:          id.NewJobID(),
		Kind:        kind,
		Payload:     []byte(raw),
		Queue:       job.DefaultQueue,
		MaxAttempts: maxAttempts,
		State:       job.StatePending,
		RunAt:       now,
	}
	j.CreatedAt, j.UpdatedAt = now, now
	if _, _, err := h.store.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return j
}

// claim locks every ready job for a fresh worker.
func (h *harness) claim(t *testing.T) *job.Job {
	t.Helper()
	jobs, err := h.store.ClaimJobs(context.Background(), job.ClaimRequest{
		WorkerID:      id.NewWorkerID(),
		Queues:        []job.QueueClaim{{Queue: job.DefaultQueue, Max: 1}},
		Limit:         1,
		Now:           time.Now().UTC().Add(2 * time.Hour),
		LeaseDuration: time.Minute,
	})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimJobs: %d jobs, err %v", len(jobs), err)
	}
	return jobs[0]
}

func (h *harness) get(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	got, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got
}

func greetJSON(name string) string {
	raw, _ := json.Marshal(greetPayload{Name: name})
	return string(raw)
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

func TestExecutor_Success(t *testing.T) {
	var got greetPayload
	var fromCtx *job.Job
	h := newHarness(t, func(ctx context.Context, p greetPayload) error {
		got = p
		fromCtx, _ = job.FromContext(ctx)
		return nil
	})
	h.enqueue(t, "greet", greetJSON("Alice"), 3)
	j := h.claim(t)

	if err := h.executor.Execute(context.Background(), j); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Name != "Alice" {
		t.Errorf("payload = %+v", got)
	}
	if fromCtx == nil || fromCtx.ID.String() != j.ID.String() {
		t.Error("handler context should carry the job")
	}

	stored := h.get(t, j)
	if stored.State != job.StateSucceeded || stored.Attempt != 0 {
		t.Errorf("state=%s attempt=%d", stored.State, stored.Attempt)
	}
	ev := h.events.snapshot()
	if ev.started != 1 || ev.succeeded != 1 {
		t.Errorf("started=%d succeeded=%d", ev.started, ev.succeeded)
	}
}

func TestExecutor_RetryThenExhausted(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error {
		return errors.New("smtp down")
	})
	h.enqueue(t, "greet", greetJSON("Bob"), 3)

	for want := 1; want <= 2; want++ {
		j := h.claim(t)
		if err := h.executor.Execute(context.Background(), j); err == nil {
			t.Fatal("expected handler error")
		}
		stored := h.get(t, j)
		if stored.State != job.StatePending || stored.Attempt != want || stored.LastError != "smtp down" {
			t.Fatalf("after failure %d: state=%s attempt=%d last_error=%q", want, stored.State, stored.Attempt, stored.LastError)
		}
		if !stored.RunAt.After(time.Now().Add(50 * time.Second)) {
			t.Errorf("run_at = %v, want backoff of a minute", stored.RunAt)
		}
	}

	j := h.claim(t)
	_ = h.executor.Execute(context.Background(), j)
	stored := h.get(t, j)
	if stored.State != job.StateFailed || stored.Attempt != 3 || stored.FailureReason != job.ReasonAttemptsExhausted {
		t.Errorf("final: state=%s attempt=%d reason=%s", stored.State, stored.Attempt, stored.FailureReason)
	}

	ev := h.events.snapshot()
	if len(ev.retrying) != 2 || ev.retrying[0] != 1 || ev.retrying[1] != 2 {
		t.Errorf("retrying = %v", ev.retrying)
	}
	if len(ev.failed) != 1 || ev.failed[0] != job.ReasonAttemptsExhausted {
		t.Errorf("failed = %v", ev.failed)
	}
}

func TestExecutor_Fatal(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error {
		return job.Fatal(errors.New("unknown recipient"))
	})
	h.enqueue(t, "greet", greetJSON("Carol"), 5)
	j := h.claim(t)

	err := h.executor.Execute(context.Background(), j)
	if !job.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	stored := h.get(t, j)
	if stored.State != job.StateFailed || stored.FailureReason != job.ReasonFatal || stored.Attempt != 1 {
		t.Errorf("state=%s reason=%s attempt=%d", stored.State, stored.FailureReason, stored.Attempt)
	}
	if ev := h.events.snapshot(); len(ev.retrying) != 0 {
		t.Errorf("fatal failure retried: %v", ev.retrying)
	}
}

func TestExecutor_PanicIsRetried(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error {
		panic("nil map")
	})
	h.enqueue(t, "greet", greetJSON("Dan"), 3)
	j := h.claim(t)

	err := h.executor.Execute(context.Background(), j)
	var pe *middleware.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}
	if stored := h.get(t, j); stored.State != job.StatePending || stored.Attempt != 1 {
		t.Errorf("state=%s attempt=%d", stored.State, stored.Attempt)
	}
}

func TestExecutor_RetryAfter(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error {
		return job.RetryAfter(3*time.Hour, errors.New("rate limited"))
	})
	h.enqueue(t, "greet", greetJSON("Eve"), 3)
	j := h.claim(t)

	before := time.Now()
	_ = h.executor.Execute(context.Background(), j)
	stored := h.get(t, j)
	if stored.RunAt.Before(before.Add(3 * time.Hour)) {
		t.Errorf("run_at = %v, want at least 3h out", stored.RunAt)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ greetPayload) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.enqueue(t, "greet", greetJSON("Frank"), 3)
	j := h.claim(t)
	j.Timeout = 20 * time.Millisecond

	err := h.executor.Execute(context.Background(), j)
	if !errors.Is(err, middleware.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if stored := h.get(t, j); stored.State != job.StatePending || !strings.Contains(stored.LastError, "timed out") {
		t.Errorf("state=%s last_error=%q", stored.State, stored.LastError)
	}
}

// ──────────────────────────────────────────────────
// Classification before the handler
// ──────────────────────────────────────────────────

func TestExecutor_StaleKind(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "retired", `{}`, 5)
	j := h.claim(t)

	if err := h.executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
	stored := h.get(t, j)
	if stored.State != job.StateFailed || stored.FailureReason != job.ReasonStaleKind || stored.Attempt != 1 {
		t.Errorf("state=%s reason=%s attempt=%d", stored.State, stored.FailureReason, stored.Attempt)
	}
	if ev := h.events.snapshot(); ev.started != 0 {
		t.Error("stale kind must not emit started")
	}
}

func TestExecutor_InvalidPayload(t *testing.T) {
	called := false
	h := newHarness(t, func(context.Context, greetPayload) error {
		called = true
		return nil
	})
	h.enqueue(t, "greet", `{"name":""}`, 5)
	j := h.claim(t)

	if err := h.executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("handler ran on an invalid payload")
	}
	stored := h.get(t, j)
	if stored.State != job.StateFailed || stored.FailureReason != job.ReasonInvalidPayload {
		t.Errorf("state=%s reason=%s", stored.State, stored.FailureReason)
	}
	if !strings.Contains(stored.LastError, "name is required") {
		t.Errorf("last_error = %q", stored.LastError)
	}
}

func TestExecutor_LeaseLostDiscardsResult(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error { return nil })
	h.enqueue(t, "greet", greetJSON("Grace"), 3)
	j := h.claim(t)
	j.LockedBy = id.NewWorkerID()

	if err := h.executor.Execute(context.Background(), j); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stored := h.get(t, j); stored.State != job.StateLocked {
		t.Errorf("state = %s, want the real owner's lock untouched", stored.State)
	}
	if ev := h.events.snapshot(); ev.succeeded != 0 {
		t.Error("succeeded emitted for a discarded result")
	}
}

// ──────────────────────────────────────────────────
// State writes
// ──────────────────────────────────────────────────

// unreliableStore fails every CompleteJob with a transient error.
type unreliableStore struct {
	*memory.Store
	completes atomic.Int32
}

func (s *unreliableStore) CompleteJob(context.Context, id.JobID, id.WorkerID) error {
	s.completes.Add(1)
	return errors.New("connection reset by peer")
}

func TestExecutor_WriteRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error { return nil })
	h.enqueue(t, "greet", greetJSON("Ada"), 3)
	j := h.claim(t)

	us := &unreliableStore{Store: h.store}
	ex := worker.NewExecutor(h.registry, h.exts, us, backoff.NewConstant(time.Minute), slog.Default())
	if err := ex.Execute(context.Background(), j); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := us.completes.Load(); n != 3 {
		t.Errorf("complete calls = %d, want 3", n)
	}
	if stored := h.get(t, j); stored.State != job.StateLocked {
		t.Errorf("state = %s, want the lease left for the reaper", stored.State)
	}
}

func TestExecutor_WriteRetryStopsOnCancel(t *testing.T) {
	h := newHarness(t, func(context.Context, greetPayload) error { return nil })
	h.enqueue(t, "greet", greetJSON("Ada"), 3)
	j := h.claim(t)

	us := &unreliableStore{Store: h.store}
	ex := worker.NewExecutor(h.registry, h.exts, us, backoff.NewConstant(time.Minute), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ex.Execute(ctx, j); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := us.completes.Load(); n != 1 {
		t.Errorf("complete calls = %d, want 1 once the context is done", n)
	}
	if ev := h.events.snapshot(); ev.succeeded != 0 {
		t.Error("succeeded emitted for an unrecorded result")
	}
}

// ──────────────────────────────────────────────────
// Logging
// ──────────────────────────────────────────────────

func TestExecutor_LogsAttemptNumberAndAttemptsUsed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := newHarness(t, func(context.Context, greetPayload) error {
		return errors.New("smtp down")
	})
	h.enqueue(t, "greet", greetJSON("Ada"), 3)
	j := h.claim(t)

	ex := worker.NewExecutor(h.registry, h.exts, h.store, backoff.NewConstant(time.Minute), logger,
		middleware.Logging(logger))
	_ = ex.Execute(context.Background(), j)

	out := buf.String()
	for _, want := range []string{
		`msg="job attempt failed"`, "attempt_number=1",
		`msg="job scheduled for retry"`, "attempts_used=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, " attempt=") {
		t.Errorf("ambiguous attempt field in log output:\n%s", out)
	}
}
