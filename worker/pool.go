package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/ext"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// Planner turns queues with ready work into per-queue claims and accounts
// for what was claimed. *queue.Manager implements it.
type Planner interface {
	Plan(queues []string, free int, now time.Time) []job.QueueClaim
	Commit(claimed []*job.Job, now time.Time)
}

// unlimited plans every queue with all free slots and no queue limit.
type unlimited struct{}

func (unlimited) Plan(queues []string, free int, _ time.Time) []job.QueueClaim {
	if free <= 0 {
		return nil
	}
	claims := make([]job.QueueClaim, len(queues))
	for i, q := range queues {
		claims[i] = job.QueueClaim{Queue: q, Max: free}
	}
	return claims
}

func (unlimited) Commit([]*job.Job, time.Time) {}

// active is one in-flight execution.
type active struct {
	job    *job.Job
	cancel context.CancelFunc
}

// Pool claims jobs up to its concurrency and executes each on its own
// goroutine. Three loops run while the pool is started: the poll loop
// claims work, the renew loop extends the leases of in-flight jobs, and
// the reaper reclaims expired leases of any worker.
type Pool struct {
	store        job.Store
	executor     *Executor
	extensions   *ext.Registry
	planner      Planner
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	leaseDuration time.Duration
	renewInterval time.Duration
	reapInterval  time.Duration

	mu       sync.Mutex
	running  bool
	rotation int
	stop     context.CancelFunc
	abort    context.CancelFunc
	loops    sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]*active
	inFlight sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the maximum number of jobs executed at once.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues restricts the pool to the named queues. Empty serves every
// queue with pending work.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often the pool tries to claim jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseDuration sets how long a claim is valid without renewal.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseDuration = d }
}

// WithRenewInterval sets how often leases of in-flight jobs are renewed.
// A zero value disables automatic renewal.
func WithRenewInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.renewInterval = d }
}

// WithReapInterval sets how often expired leases are reclaimed. A zero
// value disables the reaper.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithQueuePlanner sets the per-queue admission planner.
func WithQueuePlanner(pl Planner) PoolOption {
	return func(p *Pool) { p.planner = pl }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:         store,
		executor:      executor,
		extensions:    extensions,
		planner:       unlimited{},
		concurrency:   5,
		pollInterval:  time.Second,
		leaseDuration: 30 * time.Second,
		renewInterval: 10 * time.Second,
		reapInterval:  10 * time.Second,
		workerID:      id.NewWorkerID(),
		logger:        logger,
		active:        make(map[string]*active),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.planner == nil {
		p.planner = unlimited{}
	}
	return p
}

// WorkerID returns the identity the pool claims jobs under.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// InFlight returns the number of jobs currently executing.
func (p *Pool) InFlight() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// Start launches the loops and returns immediately. Calling Start on a
// running pool is a no-op.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	loopCtx, stop := context.WithCancel(context.Background())
	jobCtx, abort := context.WithCancel(context.Background())
	p.stop, p.abort = stop, abort

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	p.loops.Add(1)
	go p.pollLoop(loopCtx, jobCtx)

	if p.renewInterval > 0 {
		p.loops.Add(1)
		go p.every(loopCtx, p.renewInterval, p.renewAll)
	}
	if p.reapInterval > 0 {
		p.loops.Add(1)
		go p.every(loopCtx, p.reapInterval, p.reap)
	}
	return nil
}

// Stop stops claiming immediately and waits for in-flight jobs until ctx
// is done. Jobs still running then have their contexts cancelled and are
// abandoned; their leases expire and the reaper of some worker reclaims
// them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stop, abort := p.stop, p.abort
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	stop()
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		abort()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.Int("in_flight", p.InFlight()),
		)
		abort()
		return ctx.Err()
	}
}

// ──────────────────────────────────────────────────
// Claiming
// ──────────────────────────────────────────────────

func (p *Pool) pollLoop(ctx, jobCtx context.Context) {
	defer p.loops.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.poll(ctx, jobCtx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one claim cycle. Errors are logged and the next tick retries.
func (p *Pool) poll(ctx, jobCtx context.Context) {
	free := p.concurrency - p.InFlight()
	if free <= 0 || ctx.Err() != nil {
		return
	}
	now := time.Now().UTC()

	queues, err := p.store.PendingQueues(ctx, now)
	if err != nil {
		p.logPollError("list pending queues", err)
		return
	}
	queues = p.order(queues)
	if len(queues) == 0 {
		return
	}

	claims := p.planner.Plan(queues, free, now)
	if len(claims) == 0 {
		return
	}

	jobs, err := p.store.ClaimJobs(ctx, job.ClaimRequest{
		WorkerID:      p.workerID,
		Queues:        claims,
		Limit:         free,
		Now:           now,
		LeaseDuration: p.leaseDuration,
	})
	if err != nil {
		p.logPollError("claim jobs", err)
		return
	}
	p.planner.Commit(jobs, now)

	for _, j := range jobs {
		p.run(jobCtx, j)
	}
}

// order filters queues to the configured set and rotates the start so no
// queue is always planned first.
func (p *Pool) order(queues []string) []string {
	if len(p.queues) > 0 {
		allowed := make(map[string]struct{}, len(p.queues))
		for _, q := range p.queues {
			allowed[q] = struct{}{}
		}
		kept := queues[:0]
		for _, q := range queues {
			if _, ok := allowed[q]; ok {
				kept = append(kept, q)
			}
		}
		queues = kept
	}
	if len(queues) < 2 {
		return queues
	}

	p.mu.Lock()
	start := p.rotation % len(queues)
	p.rotation++
	p.mu.Unlock()

	return append(queues[start:len(queues):len(queues)], queues[:start]...)
}

func (p *Pool) logPollError(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.logger.Error("poll failed",
		slog.String("op", op),
		slog.String("worker_id", p.workerID.String()),
		slog.String("error", err.Error()),
	)
}

// ──────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────

func (p *Pool) run(parent context.Context, j *job.Job) {
	ctx, cancel := context.WithCancel(parent)
	key := j.ID.String()

	p.activeMu.Lock()
	p.active[key] = &active{job: j, cancel: cancel}
	p.activeMu.Unlock()
	p.inFlight.Add(1)

	go func() {
		defer p.inFlight.Done()
		defer func() {
			p.activeMu.Lock()
			delete(p.active, key)
			p.activeMu.Unlock()
			cancel()
		}()

		ctx := job.WithRenewer(ctx, func(ctx context.Context) error {
			return p.renew(ctx, j)
		})
		if err := p.executor.Execute(ctx, j); err != nil {
			p.logger.Debug("job execution returned error",
				slog.String("job_id", key),
				slog.String("kind", j.Kind),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// ──────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer p.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// renew extends the lease of j. A lost lease cancels the execution.
func (p *Pool) renew(ctx context.Context, j *job.Job) error {
	until := time.Now().UTC().Add(p.leaseDuration)
	err := p.store.RenewLease(ctx, j.ID, p.workerID, until)
	if err == nil {
		return nil
	}
	if errors.Is(err, dispatch.ErrLeaseLost) || errors.Is(err, dispatch.ErrJobNotFound) {
		p.logger.Warn("lease lost, cancelling job",
			slog.String("job_id", j.ID.String()),
			slog.String("kind", j.Kind),
		)
		p.activeMu.Lock()
		if a, ok := p.active[j.ID.String()]; ok {
			a.cancel()
		}
		p.activeMu.Unlock()
		return dispatch.ErrLeaseLost
	}
	p.logger.Warn("lease renewal failed",
		slog.String("job_id", j.ID.String()),
		slog.String("error", err.Error()),
	)
	return err
}

func (p *Pool) renewAll(ctx context.Context) {
	p.activeMu.Lock()
	jobs := make([]*job.Job, 0, len(p.active))
	for _, a := range p.active {
		jobs = append(jobs, a.job)
	}
	p.activeMu.Unlock()

	for _, j := range jobs {
		_ = p.renew(ctx, j)
	}
}

// reap reclaims expired leases held by any worker.
func (p *Pool) reap(ctx context.Context) {
	reclaimed, err := p.store.ReclaimExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		p.logPollError("reclaim expired leases", err)
		return
	}
	for _, j := range reclaimed {
		p.logger.Warn("reclaimed expired lease",
			slog.String("job_id", j.ID.String()),
			slog.String("kind", j.Kind),
			slog.String("state", string(j.State)),
			slog.Int("attempts_used", j.Attempt),
		)
		p.extensions.EmitJobReclaimed(ctx, j)
	}
}
