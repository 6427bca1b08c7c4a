package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/backoff"
	"github.com/hookline/dispatch/catalog"
	"github.com/hookline/dispatch/cron"
	"github.com/hookline/dispatch/ext"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
	mw "github.com/hookline/dispatch/middleware"
	"github.com/hookline/dispatch/queue"
	"github.com/hookline/dispatch/worker"
)

const instrumentationName = "github.com/hookline/dispatch"

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d          *dispatch.Dispatcher
	extensions *ext.Registry
	catalog    *catalog.Catalog
	registry   *job.Registry
	jobStore   job.Store
	bo         backoff.Strategy
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Cron subsystem.
	cronEntries []cron.Entry
	scheduler   *cron.Scheduler

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	overrides map[string]job.Override

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain. It runs inside
// the built-in recover, tracing, metrics, logging and timeout middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithCatalog binds the job catalog. Every registered kind must be in it,
// payloads are validated against its schemas, and Start refuses to run
// while a catalog kind has no task.
func WithCatalog(c *catalog.Catalog) Option {
	return func(eng *Engine) {
		eng.catalog = c
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. A name ending in "*" applies to every queue with that
// prefix. Queues not listed have no limits beyond their tasks'
// QueueConcurrency.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithOverrides applies deployment-level task policy at Start.
func WithOverrides(overrides map[string]job.Override) Option {
	return func(eng *Engine) {
		eng.overrides = overrides
	}
}

// WithCron adds scheduled entries. Their kinds are checked at Start.
func WithCron(entries ...cron.Entry) Option {
	return func(eng *Engine) {
		eng.cronEntries = append(eng.cronEntries, entries...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement job.Store. A store that also
// implements cron.SlotStore makes scheduled firings claim their slot.
func Build(d *dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	store := d.Store()

	if store == nil {
		return nil, dispatch.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("dispatch: store %T does not implement job.Store", store)
	}

	eng := &Engine{
		d:          d,
		extensions: ext.NewRegistry(logger),
		jobStore:   js,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	eng.registry = job.NewRegistry(eng.catalog)

	for _, qc := range eng.queueConfigs {
		if err := qc.Validate(); err != nil {
			return nil, err
		}
	}
	eng.queueManager = queue.NewManager(eng.queueConfigs...)

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// recover → tracing → metrics → logging → timeout → user middleware.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(),
	}
	allMws = append(allMws, eng.mws...)

	config := d.Config()
	executor := worker.NewExecutor(eng.registry, eng.extensions, eng.jobStore, eng.bo, logger, allMws...)
	eng.pool = worker.NewPool(
		eng.jobStore,
		executor,
		eng.extensions,
		logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithLeaseDuration(config.LeaseDuration),
		worker.WithRenewInterval(config.RenewInterval),
		worker.WithReapInterval(config.ReapInterval),
		worker.WithQueuePlanner(eng.queueManager),
	)

	d.SetPool(eng.pool)
	d.SetExtensions(eng.extensions)

	var schedOpts []cron.SchedulerOption
	if ss, ok := store.(cron.SlotStore); ok {
		schedOpts = append(schedOpts, cron.WithSlotStore(ss))
	}
	eng.scheduler = cron.NewScheduler(eng.EnqueueRaw, eng.extensions, logger, schedOpts...)
	for _, e := range eng.cronEntries {
		if err := eng.scheduler.Add(e); err != nil {
			return nil, err
		}
	}

	return eng, nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// Register binds a typed task definition to its kind.
func Register[T catalog.Payload](eng *Engine, def *job.Definition[T]) error {
	return job.Register(eng.registry, def)
}

// MustRegister is like Register but panics on error.
func MustRegister[T catalog.Payload](eng *Engine, def *job.Definition[T]) {
	job.MustRegister(eng.registry, def)
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue validates payload and persists a pending job of its kind.
func Enqueue[T catalog.Payload](ctx context.Context, eng *Engine, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal payload for %q: %w", payload.Kind(), err)
	}
	return eng.EnqueueRaw(ctx, payload.Kind(), data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
//
// The payload is checked against the catalog and the task's typed decoder
// before anything is written; a rejected payload returns a
// *catalog.ValidationError. When DedupeKey is set and a pending or locked
// job of the same kind carries it, that job is returned and nothing is
// written.
func (eng *Engine) EnqueueRaw(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*job.Job, error) {
	task, ok := eng.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownKind, kind)
	}
	if err := eng.registry.Validate(ctx, kind, payload); err != nil {
		return nil, err
	}

	o := task.Opts
	o.Queue = ""
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		return nil, fmt.Errorf("dispatch: kind %q: max attempts must be at least 1, got %d", kind, o.MaxAttempts)
	}
	if o.Queue == "" {
		q, err := task.ResolveQueue(payload)
		if err != nil {
			return nil, err
		}
		o.Queue = q
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	runAt := now
	switch {
	case !o.RunAt.IsZero():
		runAt = o.RunAt.UTC().Truncate(time.Microsecond)
	case o.Delay > 0:
		runAt = now.Add(o.Delay)
	}

	j := &job.Job{
		Entity:      dispatch.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewJobID(),
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		Queue:       o.Queue,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		State:       job.StatePending,
		RunAt:       runAt,
		DedupeKey:   o.DedupeKey,
		Timeout:     o.Timeout,
	}
	stored, _, err := eng.insert(ctx, j)
	return stored, err
}

// insert reports whether j was stored. When an active job already holds
// its dedupe key, that job is returned instead.
func (eng *Engine) insert(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	stored, inserted, err := eng.jobStore.InsertJob(ctx, j)
	if err != nil {
		return nil, false, fmt.Errorf("%w: insert job: %w", dispatch.ErrStorageUnavailable, err)
	}
	if !inserted {
		eng.logger.Debug("enqueue deduplicated",
			slog.String("kind", j.Kind),
			slog.String("dedupe_key", j.DedupeKey),
			slog.String("job_id", stored.ID.String()),
		)
		return stored, false, nil
	}
	eng.extensions.EmitJobEnqueued(ctx, stored)
	return stored, true, nil
}

// Replay enqueues a fresh copy of a failed job with its attempts reset.
// The original row is kept for inspection. The copy keeps the dedupe
// key, so replay fails with ErrInvalidState while another active job of
// the kind holds it.
func (eng *Engine) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	orig, err := eng.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if orig.State != job.StateFailed {
		return nil, fmt.Errorf("%w: job %s is %s, only failed jobs can be replayed",
			dispatch.ErrInvalidState, jobID, orig.State)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	j := &job.Job{
		Entity:      dispatch.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewJobID(),
		Kind:        orig.Kind,
		Payload:     orig.Payload,
		Queue:       orig.Queue,
		Priority:    orig.Priority,
		MaxAttempts: orig.MaxAttempts,
		State:       job.StatePending,
		RunAt:       now,
		DedupeKey:   orig.DedupeKey,
		Timeout:     orig.Timeout,
	}
	replayed, inserted, err := eng.insert(ctx, j)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: active job %s already holds dedupe key %q",
			dispatch.ErrInvalidState, replayed.ID, orig.DedupeKey)
	}
	eng.logger.Info("job replayed",
		slog.String("job_id", jobID.String()),
		slog.String("replay_id", replayed.ID.String()),
		slog.String("kind", orig.Kind),
	)
	return replayed, nil
}

// ──────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────

// Job returns a job by ID.
func (eng *Engine) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// Stats counts jobs per state, optionally restricted to a queue or kind.
func (eng *Engine) Stats(ctx context.Context, queueName, kind string) (map[job.State]int64, error) {
	states := []job.State{job.StatePending, job.StateLocked, job.StateSucceeded, job.StateFailed}
	out := make(map[job.State]int64, len(states))
	for _, st := range states {
		n, err := eng.jobStore.CountJobs(ctx, job.CountOpts{Queue: queueName, Kind: kind, State: st})
		if err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start verifies the registration table, checks the store, and begins
// cron scheduling and job processing. A configuration error stops the
// process from starting.
func (eng *Engine) Start(ctx context.Context) error {
	for name, o := range eng.overrides {
		if err := eng.registry.Override(name, o); err != nil {
			return err
		}
	}
	if err := eng.registry.Verify(); err != nil {
		return fmt.Errorf("verify registration table: %w", err)
	}
	var errs []error
	for _, st := range eng.scheduler.Entries() {
		if _, ok := eng.registry.Get(st.Kind); !ok {
			errs = append(errs, fmt.Errorf("%w: cron entry %q enqueues %q", dispatch.ErrUnknownKind, st.Name, st.Kind))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	eng.queueManager.SetDefaultLimits(eng.registry.QueueLimits())

	if err := eng.d.Store().Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", dispatch.ErrStorageUnavailable, err)
	}

	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	if err := eng.d.Start(ctx); err != nil {
		_ = eng.scheduler.Stop(ctx)
		return err
	}
	eng.logger.Info("dispatch engine started",
		slog.Int("kinds", len(eng.registry.Names())),
		slog.Int("cron_entries", len(eng.scheduler.Entries())),
	)
	return nil
}

// Stop stops cron scheduling, drains the pool within ctx (or the
// configured shutdown timeout), emits Shutdown and closes the store.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}
	return eng.d.Stop(ctx)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the task registration table.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Catalog returns the bound catalog, or nil.
func (eng *Engine) Catalog() *catalog.Catalog { return eng.catalog }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.jobStore }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *dispatch.Dispatcher { return eng.d }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
