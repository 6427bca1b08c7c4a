package cron_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/cron"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/store/memory"
)

// stubEmitter records EmitCronFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *stubEmitter) EmitCronFired(_ context.Context, entryName string, _ id.JobID) {
	e.mu.Lock()
	e.names = append(e.names, entryName)
	e.mu.Unlock()
}

func (e *stubEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.names)
}

// storeEnqueue inserts jobs into a memory store the way the engine does,
// honoring dedupe keys.
func storeEnqueue(s *memory.Store) cron.EnqueueFunc {
	return func(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*job.Job, error) {
		var o job.Options
		for _, opt := range opts {
			opt(&o)
		}
		now := time.Now().UTC()
		j := &job.Job{
			Entity:      dispatch.Entity{CreatedAt: now, UpdatedAt: now},
			ID:          id.NewJobID(),
			Kind:        kind,
			Payload:     payload,
			Queue:       o.Queue,
			MaxAttempts: 3,
			State:       job.StatePending,
			RunAt:       now,
			DedupeKey:   o.DedupeKey,
		}
		got, _, err := s.InsertJob(ctx, j)
		return got, err
	}
}

type reportPayload struct {
	Format string `json:"format"`
}

func (reportPayload) Kind() string { return "generateReport" }

func everyMinute(name string) cron.Entry {
	return cron.Entry{Name: name, Schedule: "* * * * *", Kind: "generateReport", Payload: []byte(`{"format":"pdf"}`)}
}

// ──────────────────────────────────────────────────
// Entries
// ──────────────────────────────────────────────────

func TestScheduler_AddValidates(t *testing.T) {
	s := cron.NewScheduler(storeEnqueue(memory.New()), nil, nil)

	tests := []struct {
		name  string
		entry cron.Entry
	}{
		{"missing name", cron.Entry{Schedule: "@daily", Kind: "k"}},
		{"missing kind", cron.Entry{Name: "n", Schedule: "@daily"}},
		{"bad schedule", cron.Entry{Name: "n", Schedule: "every day", Kind: "k"}},
		{"seconds field", cron.Entry{Name: "n", Schedule: "0 * * * * *", Kind: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.entry); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := s.Add(everyMinute("report")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(everyMinute("report")); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestScheduler_EntriesAndRemove(t *testing.T) {
	s := cron.NewScheduler(storeEnqueue(memory.New()), nil, nil)
	_ = s.Add(everyMinute("b"))
	_ = s.Add(everyMinute("a"))

	entries := s.Entries()
	if len(entries) != 2 || entries[0].Name != "a" || entries[1].Name != "b" {
		t.Fatalf("entries = %+v", entries)
	}
	if !entries[0].NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("next run = %v", entries[0].NextRunAt)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Error("Remove should report existence once")
	}
	if len(s.Entries()) != 1 {
		t.Error("entry not removed")
	}
}

func TestDefinition_Entry(t *testing.T) {
	e, err := cron.Definition[reportPayload]{
		Name: "nightly", Schedule: "@daily", Payload: reportPayload{Format: "csv"}, Queue: "reports",
	}.Entry()
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if e.Kind != "generateReport" || string(e.Payload) != `{"format":"csv"}` || e.Queue != "reports" {
		t.Errorf("entry = %+v", e)
	}
}

// ──────────────────────────────────────────────────
// Firing
// ──────────────────────────────────────────────────

func TestScheduler_RunDueFiresAndAdvances(t *testing.T) {
	ms := memory.New()
	emitter := &stubEmitter{}
	s := cron.NewScheduler(storeEnqueue(ms), emitter, nil)
	if err := s.Add(everyMinute("report")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	slot := s.Entries()[0].NextRunAt
	if n := s.RunDue(context.Background(), slot.Add(-time.Second)); n != 0 {
		t.Fatalf("fired %d before the slot", n)
	}
	if n := s.RunDue(context.Background(), slot); n != 1 {
		t.Fatalf("fired %d at the slot, want 1", n)
	}

	st := s.Entries()[0]
	if !st.NextRunAt.After(slot) {
		t.Errorf("next run %v not advanced past %v", st.NextRunAt, slot)
	}
	if st.LastRunAt == nil || st.LastJobID.IsNil() {
		t.Errorf("status = %+v", st)
	}

	j, err := ms.GetJob(context.Background(), st.LastJobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Kind != "generateReport" || j.DedupeKey != cron.DedupeKey("report", slot) {
		t.Errorf("job kind=%s dedupe=%s", j.Kind, j.DedupeKey)
	}
	if emitter.count() != 1 {
		t.Errorf("cron fired events = %d", emitter.count())
	}
}

func TestScheduler_TwoProcessesOneJob(t *testing.T) {
	ms := memory.New()
	a := cron.NewScheduler(storeEnqueue(ms), nil, nil)
	b := cron.NewScheduler(storeEnqueue(ms), nil, nil)
	_ = a.Add(everyMinute("report"))
	_ = b.Add(everyMinute("report"))

	slot := a.Entries()[0].NextRunAt
	if !b.Entries()[0].NextRunAt.Equal(slot) {
		t.Fatal("schedulers disagree on the next slot")
	}
	a.RunDue(context.Background(), slot)
	b.RunDue(context.Background(), slot.Add(time.Second))

	n, err := ms.CountJobs(context.Background(), job.CountOpts{Kind: "generateReport"})
	if err != nil || n != 1 {
		t.Errorf("jobs = %d, err %v, want 1", n, err)
	}
	if a.Entries()[0].LastJobID.String() != b.Entries()[0].LastJobID.String() {
		t.Error("both schedulers should report the same job")
	}
}

func TestScheduler_SlotStoreFiresOnceAfterJobFinished(t *testing.T) {
	ctx := context.Background()
	ms := memory.New()
	a := cron.NewScheduler(storeEnqueue(ms), nil, nil, cron.WithSlotStore(ms))
	b := cron.NewScheduler(storeEnqueue(ms), nil, nil, cron.WithSlotStore(ms))
	_ = a.Add(everyMinute("report"))
	_ = b.Add(everyMinute("report"))

	slot := a.Entries()[0].NextRunAt
	if n := a.RunDue(ctx, slot); n != 1 {
		t.Fatalf("a fired %d, want 1", n)
	}

	// The slot's job runs to completion and releases its dedupe key
	// before the slower process reaches the slot.
	worker := id.NewWorkerID()
	claimed, err := ms.ClaimJobs(ctx, job.ClaimRequest{
		WorkerID:      worker,
		Queues:        []job.QueueClaim{{Queue: "", Max: 1}},
		Limit:         1,
		Now:           time.Now().UTC().Add(time.Hour),
		LeaseDuration: time.Minute,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs = %d jobs, err %v", len(claimed), err)
	}
	if err := ms.CompleteJob(ctx, claimed[0].ID, worker); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	if n := b.RunDue(ctx, slot.Add(500*time.Millisecond)); n != 0 {
		t.Errorf("b fired %d for a slot already fired, want 0", n)
	}
	if n, _ := ms.CountJobs(ctx, job.CountOpts{Kind: "generateReport"}); n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
	if !b.Entries()[0].NextRunAt.After(slot) {
		t.Error("b should move past the skipped slot")
	}
}

type failingSlots struct{}

func (failingSlots) ClaimSlot(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errors.New("slots down")
}

func TestScheduler_SlotClaimErrorSkipsFiring(t *testing.T) {
	ms := memory.New()
	s := cron.NewScheduler(storeEnqueue(ms), nil, nil, cron.WithSlotStore(failingSlots{}))
	_ = s.Add(everyMinute("report"))

	slot := s.Entries()[0].NextRunAt
	if n := s.RunDue(context.Background(), slot); n != 0 {
		t.Errorf("fired = %d, want 0", n)
	}
	if n, _ := ms.CountJobs(context.Background(), job.CountOpts{}); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
	if st := s.Entries()[0]; st.LastError == "" {
		t.Error("claim error not recorded")
	}
}

func TestScheduler_EnqueueErrorRecorded(t *testing.T) {
	failing := func(context.Context, string, []byte, ...job.Option) (*job.Job, error) {
		return nil, errors.New("store down")
	}
	emitter := &stubEmitter{}
	s := cron.NewScheduler(failing, emitter, nil)
	_ = s.Add(everyMinute("report"))

	slot := s.Entries()[0].NextRunAt
	if n := s.RunDue(context.Background(), slot); n != 0 {
		t.Errorf("fired = %d, want 0", n)
	}
	st := s.Entries()[0]
	if st.LastError != "store down" || !st.NextRunAt.After(slot) {
		t.Errorf("status = %+v", st)
	}
	if emitter.count() != 0 {
		t.Error("no event expected on failure")
	}
}

func TestScheduler_Trigger(t *testing.T) {
	ms := memory.New()
	s := cron.NewScheduler(storeEnqueue(ms), nil, nil)
	_ = s.Add(cron.Entry{Name: "sweep", Schedule: "@daily", Kind: "sweep", Queue: "maintenance"})

	j, err := s.Trigger(context.Background(), "sweep")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if j.Queue != "maintenance" || string(j.Payload) != "{}" {
		t.Errorf("job = %+v", j)
	}
	if _, err := s.Trigger(context.Background(), "missing"); !errors.Is(err, cron.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	ms := memory.New()
	s := cron.NewScheduler(storeEnqueue(ms), nil, nil, cron.WithTickInterval(5*time.Millisecond))
	_ = s.Add(cron.Entry{Name: "fast", Schedule: "@every 1s", Kind: "tick"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, _ := ms.CountJobs(context.Background(), job.CountOpts{Kind: "tick"})
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
