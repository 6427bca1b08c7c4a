package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// The engine provides the implementation.
type EnqueueFunc func(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*job.Job, error)

// Emitter emits cron lifecycle events.
// ext.Registry satisfies this interface via EmitCronFired.
type Emitter interface {
	EmitCronFired(ctx context.Context, entryName string, jobID id.JobID)
}

// SlotStore records which (entry, slot) firings have already happened.
// ClaimSlot reports true for exactly one caller per entry and slot until
// the record is older than retain.
type SlotStore interface {
	ClaimSlot(ctx context.Context, entry string, slot time.Time, retain time.Duration) (bool, error)
}

// SlotRetention is how long a claimed slot is remembered. It must exceed
// the clock skew between processes sharing a store.
const SlotRetention = 24 * time.Hour

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithSlotStore makes every scheduled firing claim its slot in ss before
// enqueueing. Processes sharing ss then fire each slot once, even after
// the job of an earlier firing has finished and released its dedupe key.
func WithSlotStore(ss SlotStore) SchedulerOption {
	return func(s *Scheduler) { s.slots = ss }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// DedupeKey returns the dedupe key for the firing of entry at the
// scheduled time at.
func DedupeKey(entry string, at time.Time) string {
	return "cron:" + entry + ":" + strconv.FormatInt(at.Unix(), 10)
}

type state struct {
	Status
	schedule cronlib.Schedule
}

// Scheduler fires due entries on a tick loop.
type Scheduler struct {
	enqueue EnqueueFunc
	emitter Emitter
	logger  *slog.Logger
	slots   SlotStore

	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*state

	runMu   sync.Mutex
	running bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler without entries.
func NewScheduler(enqueue EnqueueFunc, emitter Emitter, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		enqueue:      enqueue,
		emitter:      emitter,
		logger:       logger,
		tickInterval: time.Second,
		entries:      make(map[string]*state),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an entry. Its first run is the next schedule slot after
// now. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Name]; exists {
		return fmt.Errorf("cron: duplicate entry %q", e.Name)
	}
	s.entries[e.Name] = &state{
		Status:   Status{Entry: e, NextRunAt: sched.Next(time.Now().UTC())},
		schedule: sched,
	}
	return nil
}

// Remove deletes an entry. It reports whether the entry existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	delete(s.entries, name)
	return ok
}

// Entries returns the status of every entry, sorted by name.
func (s *Scheduler) Entries() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st.Status)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start launches the tick loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	ctx, stop := context.WithCancel(context.Background())
	s.stop = stop
	s.wg.Add(1)
	go s.tickLoop(ctx)

	s.logger.Info("cron scheduler started",
		slog.Int("entries", len(s.Entries())),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop ends the tick loop and waits for an in-progress tick.
func (s *Scheduler) Stop(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.stop()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, time.Now().UTC())
		}
	}
}

// RunDue fires every entry whose next run is at or before now and returns
// how many were enqueued, including firings absorbed by dedupe. Slots
// another process already claimed are skipped and not counted.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*state
	for _, st := range s.entries {
		if !st.NextRunAt.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, k int) bool { return due[i].Name < due[k].Name })

	fired := 0
	for _, st := range due {
		if s.fire(ctx, st, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, st *state, now time.Time) bool {
	s.mu.Lock()
	e, slot := st.Entry, st.NextRunAt
	s.mu.Unlock()

	var (
		j   *job.Job
		err error
	)
	claimed := true
	if s.slots != nil {
		claimed, err = s.slots.ClaimSlot(ctx, e.Name, slot, SlotRetention)
		if err != nil {
			err = fmt.Errorf("cron: claim slot: %w", err)
		}
	}
	if err == nil && claimed {
		j, err = s.enqueueEntry(ctx, e, DedupeKey(e.Name, slot))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.NextRunAt = st.schedule.Next(now)
	if err == nil && !claimed {
		s.logger.Debug("cron slot already fired",
			slog.String("cron_name", e.Name),
			slog.Time("slot", slot),
		)
		return false
	}
	if err != nil {
		st.LastError = err.Error()
		s.logger.Error("cron enqueue failed",
			slog.String("cron_name", e.Name),
			slog.String("kind", e.Kind),
			slog.Time("slot", slot),
			slog.String("error", err.Error()),
		)
		return false
	}

	at := now
	st.LastRunAt = &at
	st.LastJobID = j.ID
	st.LastError = ""

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, e.Name, j.ID)
	}
	s.logger.Info("cron fired",
		slog.String("cron_name", e.Name),
		slog.String("kind", e.Kind),
		slog.String("job_id", j.ID.String()),
		slog.Time("slot", slot),
		slog.Time("next_run_at", st.NextRunAt),
	)
	return true
}

func (s *Scheduler) enqueueEntry(ctx context.Context, e Entry, dedupeKey string) (*job.Job, error) {
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	opts := []job.Option{job.WithDedupeKey(dedupeKey)}
	if e.Queue != "" {
		opts = append(opts, job.WithQueue(e.Queue))
	}
	return s.enqueue(ctx, e.Kind, payload, opts...)
}

// ErrNotFound is returned by Trigger for unknown entries.
var ErrNotFound = errors.New("cron: entry not found")

// Trigger enqueues an entry immediately, outside its schedule. The dedupe
// key uses the current second, so repeated triggers within one second
// collapse into one job.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*job.Job, error) {
	s.mu.Lock()
	st, ok := s.entries[name]
	var e Entry
	if ok {
		e = st.Entry
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	j, err := s.enqueueEntry(ctx, e, DedupeKey(e.Name, time.Now().UTC())+":manual")
	if err != nil {
		return nil, err
	}
	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, e.Name, j.ID)
	}
	return j, nil
}
