package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/catalog"
	"github.com/hookline/dispatch/job"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func (emailPayload) Kind() string { return "deliverEmail" }

type runPayload struct {
	ProjectID string `json:"projectId"`
}

func (runPayload) Kind() string { return "startQueuedRuns" }

type orphanPayload struct{}

func (orphanPayload) Kind() string { return "orphan" }

const emailSchema = `{
	"type": "object",
	"properties": {"to": {"type": "string"}, "subject": {"type": "string"}},
	"required": ["to"]
}`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	b := catalog.NewBuilder()
	catalog.Define[emailPayload](b, emailSchema)
	catalog.Define[runPayload](b, "")
	cat, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cat
}

func noopEmail(context.Context, emailPayload) error { return nil }
func noopRun(context.Context, runPayload) error     { return nil }

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry(testCatalog(t))

	var got emailPayload
	def := job.NewDefinition(func(_ context.Context, p emailPayload) error {
		got = p
		return nil
	}, job.WithQueue("internal-queue"), job.WithPriority(100))

	if err := job.Register(r, def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	task, ok := r.Get("deliverEmail")
	if !ok {
		t.Fatal("expected task to be registered")
	}
	if task.Opts.Queue != "internal-queue" || task.Opts.Priority != 100 {
		t.Errorf("opts = %+v", task.Opts)
	}

	payload, _ := json.Marshal(emailPayload{To: "alice@example.com", Subject: "Hello"})
	if err := task.Handler(context.Background(), payload); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got.To != "alice@example.com" || got.Subject != "Hello" {
		t.Errorf("decoded payload = %+v", got)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry(nil)
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no task for unregistered kind")
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := job.NewRegistry(nil)
	job.MustRegister(r, job.NewDefinition(noopEmail))

	err := job.Register(r, job.NewDefinition(noopEmail))
	if !errors.Is(err, dispatch.ErrDuplicateKind) {
		t.Fatalf("err = %v, want ErrDuplicateKind", err)
	}
}

func TestRegistry_KindNotInCatalog(t *testing.T) {
	r := job.NewRegistry(testCatalog(t))
	err := job.Register(r, job.NewDefinition(func(context.Context, orphanPayload) error { return nil }))
	if !errors.Is(err, dispatch.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestRegistry_RejectsBadDefinitions(t *testing.T) {
	r := job.NewRegistry(nil)

	err := job.Register(r, &job.Definition[emailPayload]{Opts: job.DefaultOptions()})
	if !errors.Is(err, dispatch.ErrMissingHandler) {
		t.Errorf("nil handler: err = %v", err)
	}
	if err := job.Register(r, job.NewDefinition(noopEmail, job.WithMaxAttempts(0))); err == nil {
		t.Error("expected error for zero max attempts")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := job.NewRegistry(nil)
	job.MustRegister(r, job.NewDefinition(noopRun))
	job.MustRegister(r, job.NewDefinition(noopEmail))

	names := r.Names()
	if len(names) != 2 || names[0] != "deliverEmail" || names[1] != "startQueuedRuns" {
		t.Errorf("Names() = %v", names)
	}
	if tasks := r.Tasks(); len(tasks) != 2 || tasks[0].Name != "deliverEmail" {
		t.Errorf("Tasks() = %+v", tasks)
	}
}

// ──────────────────────────────────────────────────
// Verify
// ──────────────────────────────────────────────────

func TestRegistry_VerifyMissingHandler(t *testing.T) {
	r := job.NewRegistry(testCatalog(t))
	job.MustRegister(r, job.NewDefinition(noopEmail))

	err := r.Verify()
	if !errors.Is(err, dispatch.ErrMissingHandler) {
		t.Fatalf("err = %v, want ErrMissingHandler", err)
	}

	job.MustRegister(r, job.NewDefinition(noopRun))
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify after completing table: %v", err)
	}
}

func TestRegistry_VerifyEmptyWithoutCatalog(t *testing.T) {
	r := job.NewRegistry(nil)
	if err := r.Verify(); !errors.Is(err, dispatch.ErrMissingHandler) {
		t.Fatalf("err = %v, want ErrMissingHandler", err)
	}
}

// ──────────────────────────────────────────────────
// Validation
// ──────────────────────────────────────────────────

func TestRegistry_Validate(t *testing.T) {
	r := job.NewRegistry(testCatalog(t))
	job.MustRegister(r, job.NewDefinition(noopEmail))
	ctx := context.Background()

	if err := r.Validate(ctx, "deliverEmail", []byte(`{"to":"a@b.c"}`)); err != nil {
		t.Errorf("valid payload: %v", err)
	}

	err := r.Validate(ctx, "deliverEmail", []byte(`{"subject":"x"}`))
	if !errors.Is(err, dispatch.ErrPayloadInvalid) {
		t.Errorf("missing field: err = %v, want ErrPayloadInvalid", err)
	}

	var ve *catalog.ValidationError
	err = r.Validate(ctx, "deliverEmail", []byte(`{"to":`))
	if !errors.As(err, &ve) {
		t.Errorf("truncated JSON: err = %v, want *ValidationError", err)
	}

	if err := r.Validate(ctx, "nope", []byte(`{}`)); !errors.Is(err, dispatch.ErrUnknownKind) {
		t.Errorf("unknown kind: err = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Queues
// ──────────────────────────────────────────────────

func TestTask_ResolveQueueConstant(t *testing.T) {
	r := job.NewRegistry(nil)
	job.MustRegister(r, job.NewDefinition(noopEmail, job.WithQueue("internal-queue")))

	task, _ := r.Get("deliverEmail")
	q, err := task.ResolveQueue([]byte(`{"to":"x"}`))
	if err != nil || q != "internal-queue" {
		t.Fatalf("ResolveQueue = %q, %v", q, err)
	}
	if task.QueuePattern != "internal-queue" {
		t.Errorf("QueuePattern = %q", task.QueuePattern)
	}
}

func TestTask_ResolveQueueFromPayload(t *testing.T) {
	r := job.NewRegistry(nil)
	def := job.NewDefinition(noopRun, job.WithQueueConcurrency(1)).
		QueueFrom("queue:", func(p runPayload) string { return p.ProjectID })
	job.MustRegister(r, def)

	task, _ := r.Get("startQueuedRuns")
	q, err := task.ResolveQueue([]byte(`{"projectId":"proj_1"}`))
	if err != nil || q != "queue:proj_1" {
		t.Fatalf("ResolveQueue = %q, %v", q, err)
	}
	if task.QueuePattern != "queue:*" {
		t.Errorf("QueuePattern = %q, want %q", task.QueuePattern, "queue:*")
	}

	q, err = task.ResolveQueue([]byte(`{}`))
	if err != nil || q != job.DefaultQueue {
		t.Errorf("empty derived queue = %q, %v, want default", q, err)
	}

	if limits := r.QueueLimits(); limits["queue:*"] != 1 {
		t.Errorf("QueueLimits() = %v", limits)
	}
}

func TestRegistry_QueueLimitsSmallestWins(t *testing.T) {
	r := job.NewRegistry(nil)
	job.MustRegister(r, job.NewDefinition(noopEmail, job.WithQueue("shared"), job.WithQueueConcurrency(4)))
	job.MustRegister(r, job.NewDefinition(noopRun, job.WithQueue("shared"), job.WithQueueConcurrency(2)))

	if got := r.QueueLimits()["shared"]; got != 2 {
		t.Errorf("limit = %d, want 2", got)
	}
}

// ──────────────────────────────────────────────────
// Overrides
// ──────────────────────────────────────────────────

func TestRegistry_Override(t *testing.T) {
	r := job.NewRegistry(nil)
	def := job.NewDefinition(noopRun).QueueFrom("queue:", func(p runPayload) string { return p.ProjectID })
	job.MustRegister(r, def)

	queue, attempts, timeout := "pinned", 7, 2*time.Second
	err := r.Override("startQueuedRuns", job.Override{Queue: &queue, MaxAttempts: &attempts, Timeout: &timeout})
	if err != nil {
		t.Fatalf("Override: %v", err)
	}

	task, _ := r.Get("startQueuedRuns")
	if task.Opts.MaxAttempts != 7 || task.Opts.Timeout != 2*time.Second {
		t.Errorf("opts = %+v", task.Opts)
	}
	q, _ := task.ResolveQueue([]byte(`{"projectId":"p"}`))
	if q != "pinned" {
		t.Errorf("queue after override = %q, want pinned", q)
	}

	zero := 0
	if err := r.Override("startQueuedRuns", job.Override{MaxAttempts: &zero}); err == nil {
		t.Error("expected error for zero max attempts override")
	}
	if err := r.Override("missing", job.Override{}); !errors.Is(err, dispatch.ErrUnknownKind) {
		t.Errorf("unknown override: err = %v", err)
	}
}
