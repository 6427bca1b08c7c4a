package platform_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/engine"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/platform"
	"github.com/hookline/dispatch/store/memory"
)

type call struct {
	op   string
	args []string
}

// recordingServices records the calls it cares about and logs the rest.
type recordingServices struct {
	platform.LogServices

	mu    sync.Mutex
	calls []call
}

func (r *recordingServices) record(op string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: op, args: args})
	return nil
}

func (r *recordingServices) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingServices) RefreshConnection(_ context.Context, connectionID string) error {
	return r.record("refresh", connectionID)
}

func (r *recordingServices) ActivateSource(_ context.Context, id, jobID string, orphaned []string) error {
	args := append([]string{id, jobID}, orphaned...)
	return r.record("activate", args...)
}

func (r *recordingServices) InvokeDispatcher(_ context.Context, id, eventRecordID string) error {
	return r.record("invoke", id, eventRecordID)
}

func (r *recordingServices) StartQueuedRuns(_ context.Context, id string) error {
	return r.record("startQueuedRuns", id)
}

func newEngine(t *testing.T, svc platform.Services) *engine.Engine {
	t.Helper()
	cat, err := platform.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	d, err := dispatch.New(
		dispatch.WithStore(memory.New()),
		dispatch.WithPollInterval(10*time.Millisecond),
		dispatch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	eng, err := engine.Build(d, engine.WithCatalog(cat))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if err := platform.Register(eng, svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return eng
}

// ──────────────────────────────────────────────────
// Catalog
// ──────────────────────────────────────────────────

func TestNewCatalog_Kinds(t *testing.T) {
	cat, err := platform.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if cat.Len() != 20 {
		t.Fatalf("catalog has %d kinds, want 20: %v", cat.Len(), cat.Names())
	}
	for _, name := range []string{platform.KindInvokeDispatcher, platform.KindStartQueuedRuns, platform.KindDeliverEmail} {
		if _, ok := cat.Lookup(name); !ok {
			t.Errorf("kind %q missing", name)
		}
	}
}

func TestNewCatalog_Schemas(t *testing.T) {
	cat, err := platform.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		kind  string
		raw   string
		valid bool
	}{
		{platform.KindDeliverEmail, `{"email":"welcome","to":"ada@example.com"}`, true},
		{platform.KindDeliverEmail, `{"email":"welcome","to":"ab"}`, false},
		{platform.KindDeliverEmail, `{"to":"ada@example.com"}`, false},
		{platform.KindStartRun, `{"id":"run_1"}`, true},
		{platform.KindStartRun, `{"id":""}`, false},
		{platform.KindStartRun, `{}`, false},
		{platform.KindGithubPush, `{"branch":"main","commitSha":"abc","repository":"acme/app"}`, true},
		{platform.KindGithubPush, `{"branch":"main","repository":"acme/app"}`, false},
		{platform.KindRegisterJob, `{"endpointId":"ep_1","job":{"id":"my-job"}}`, true},
		{platform.KindRegisterJob, `{"endpointId":"ep_1","job":"my-job"}`, false},
		{platform.KindActivateSource, `{"id":"src_1","orphanedEvents":["a","b"]}`, true},
		{platform.KindActivateSource, `{"id":"src_1","orphanedEvents":[1]}`, false},
		{platform.KindInvokeDispatcher, `{"id":"d_1","eventRecordId":"ev_1"}`, true},
		{platform.KindRefreshOAuthToken, `{"organizationId":"org_1"}`, false},
	}
	for _, tt := range tests {
		err := cat.Validate(ctx, tt.kind, []byte(tt.raw))
		if tt.valid && err != nil {
			t.Errorf("%s %s: unexpected error %v", tt.kind, tt.raw, err)
		}
		if !tt.valid && !errors.Is(err, dispatch.ErrPayloadInvalid) {
			t.Errorf("%s %s: expected ErrPayloadInvalid, got %v", tt.kind, tt.raw, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

func TestRegister_CoversCatalog(t *testing.T) {
	eng := newEngine(t, platform.LogServices{})
	if err := eng.Registry().Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRegister_Twice(t *testing.T) {
	eng := newEngine(t, platform.LogServices{})
	err := platform.Register(eng, platform.LogServices{})
	if !errors.Is(err, dispatch.ErrDuplicateKind) {
		t.Fatalf("expected ErrDuplicateKind, got %v", err)
	}
}

func TestRegister_Defaults(t *testing.T) {
	eng := newEngine(t, platform.LogServices{})

	tests := []struct {
		kind        string
		queue       string
		priority    int
		maxAttempts int
	}{
		{platform.KindDeliverEmail, platform.QueueInternal, 100, 3},
		{platform.KindOrganizationCreated, platform.QueueInternal, 50, 3},
		{platform.KindGithubPush, platform.QueueInternal, 50, 3},
		{platform.KindEndpointRegistered, platform.QueueInternal, 0, 25},
		{platform.KindRefreshOAuthToken, platform.QueueInternal, 0, 25},
		{platform.KindStartRun, platform.QueueExecutions, 0, 13},
		{platform.KindResumeTask, platform.QueueExecutions, 0, 13},
		{platform.KindDeliverHTTPSourceRequest, job.DefaultQueue, 0, 5},
		{platform.KindDeliverEvent, platform.QueueEventDispatcher, 0, 25},
		{platform.KindRunFinished, job.DefaultQueue, 0, 3},
		{platform.KindInvokeDispatcher, job.DefaultQueue, 0, 3},
		{platform.KindStartQueuedRuns, platform.QueuedRunsPrefix + "*", 0, 3},
	}
	for _, tt := range tests {
		task, ok := eng.Registry().Get(tt.kind)
		if !ok {
			t.Errorf("%s: not registered", tt.kind)
			continue
		}
		if task.QueuePattern != tt.queue {
			t.Errorf("%s: queue %q, want %q", tt.kind, task.QueuePattern, tt.queue)
		}
		if task.Opts.Priority != tt.priority {
			t.Errorf("%s: priority %d, want %d", tt.kind, task.Opts.Priority, tt.priority)
		}
		if task.Opts.MaxAttempts != tt.maxAttempts {
			t.Errorf("%s: max attempts %d, want %d", tt.kind, task.Opts.MaxAttempts, tt.maxAttempts)
		}
	}
}

func TestRegister_QueuedRunsSerializedPerQueue(t *testing.T) {
	eng := newEngine(t, platform.LogServices{})
	task, ok := eng.Registry().Get(platform.KindStartQueuedRuns)
	if !ok {
		t.Fatal("startQueuedRuns not registered")
	}
	q, err := task.ResolveQueue([]byte(`{"id":"jq_42"}`))
	if err != nil {
		t.Fatalf("ResolveQueue: %v", err)
	}
	if q != "queue:jq_42" {
		t.Fatalf("queue = %q, want queue:jq_42", q)
	}
	limits := eng.Registry().QueueLimits()
	if limits["queue:*"] != 1 {
		t.Fatalf("queue:* limit = %d, want 1 (limits %v)", limits["queue:*"], limits)
	}
}

// ──────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────

func TestHandlers_Delegate(t *testing.T) {
	svc := &recordingServices{}
	eng := newEngine(t, svc)
	ctx := context.Background()

	run := func(ctx context.Context, kind, raw string) {
		t.Helper()
		task, ok := eng.Registry().Get(kind)
		if !ok {
			t.Fatalf("%s not registered", kind)
		}
		if err := task.Handler(ctx, []byte(raw)); err != nil {
			t.Fatalf("%s handler: %v", kind, err)
		}
	}

	jobID := id.NewJobID()
	jobCtx := job.WithJob(ctx, &job.Job{ID: jobID, Kind: platform.KindActivateSource})

	run(ctx, platform.KindRefreshOAuthToken, `{"organizationId":"org_1","connectionId":"conn_1"}`)
	run(jobCtx, platform.KindActivateSource, `{"id":"src_1","orphanedEvents":["ev_1"]}`)
	run(ctx, platform.KindInvokeDispatcher, `{"id":"d_1","eventRecordId":"ev_9"}`)

	got := svc.snapshot()
	want := []call{
		{op: "refresh", args: []string{"conn_1"}},
		{op: "activate", args: []string{"src_1", jobID.String(), "ev_1"}},
		{op: "invoke", args: []string{"d_1", "ev_9"}},
	}
	if len(got) != len(want) {
		t.Fatalf("calls = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].op != want[i].op || !equalStrings(got[i].args, want[i].args) {
			t.Errorf("call %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestEngine_RunsPlatformJob(t *testing.T) {
	svc := &recordingServices{}
	eng := newEngine(t, svc)
	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
	})

	j, err := engine.Enqueue(ctx, eng, platform.StartQueuedRuns{ID: "jq_7"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Queue != "queue:jq_7" {
		t.Fatalf("queue = %q", j.Queue)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := eng.Job(ctx, j.ID)
		if err == nil && got.State == job.StateSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never succeeded: %+v %v", got, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	calls := svc.snapshot()
	if len(calls) != 1 || calls[0].op != "startQueuedRuns" || calls[0].args[0] != "jq_7" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestEnqueue_RejectsInvalidPayload(t *testing.T) {
	eng := newEngine(t, platform.LogServices{})
	raw, _ := json.Marshal(map[string]any{"endpointId": "ep_1"})
	_, err := eng.EnqueueRaw(context.Background(), platform.KindRegisterSchedule, raw)
	if !errors.Is(err, dispatch.ErrPayloadInvalid) {
		t.Fatalf("expected ErrPayloadInvalid, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
