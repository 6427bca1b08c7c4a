package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// Storer is the minimal store interface held by the Dispatcher.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used by the engine, which sits above the job package.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Dispatcher owns the process-wide lifecycle: the store connection and
// the worker pool. It is an explicitly constructed value; pass it (or the
// engine built from it) to whatever needs to enqueue work.
type Dispatcher struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.config.Concurrency <= 0 {
		return nil, fmt.Errorf("dispatch: concurrency must be positive, got %d", d.config.Concurrency)
	}
	return d, nil
}

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Store returns the dispatcher's store.
func (d *Dispatcher) Store() Storer { return d.store }

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() Config { return d.config }

// SetPool sets the worker pool (called by the engine package).
func (d *Dispatcher) SetPool(p poolRunner) { d.pool = p }

// SetExtensions sets the extension emitter (called by the engine package).
func (d *Dispatcher) SetExtensions(e extensionEmitter) { d.extensions = e }

// Started reports whether Start has succeeded and Stop has not been called.
func (d *Dispatcher) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.stopped
}

// Start begins job processing. Calling Start more than once is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}
	if d.stopped {
		return ErrStoreClosed
	}
	if d.pool == nil || d.store == nil {
		return ErrNoStore
	}
	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

// Stop stops claiming new jobs, gives in-flight jobs until ctx is done
// (or ShutdownTimeout when ctx has no deadline) to finish, then closes
// the store. Calling Stop more than once is a no-op.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}
	d.stopped = true

	if _, ok := ctx.Deadline(); !ok && d.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ShutdownTimeout)
		defer cancel()
	}

	if d.pool != nil && d.started {
		if err := d.pool.Stop(ctx); err != nil {
			d.logger.Error("pool stop error", slog.String("error", err.Error()))
		}
	}
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job executions.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		d.config.Concurrency = n
		return nil
	}
}

// WithQueues restricts the queues the dispatcher claims from.
func WithQueues(queues ...string) Option {
	return func(d *Dispatcher) error {
		d.config.Queues = queues
		return nil
	}
}

// WithPollInterval sets how often the poll loop claims jobs.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		if interval <= 0 {
			return fmt.Errorf("dispatch: poll interval must be positive, got %s", interval)
		}
		d.config.PollInterval = interval
		return nil
	}
}

// WithLeaseDuration sets how long a claim is valid without renewal.
func WithLeaseDuration(lease time.Duration) Option {
	return func(d *Dispatcher) error {
		if lease <= 0 {
			return fmt.Errorf("dispatch: lease duration must be positive, got %s", lease)
		}
		d.config.LeaseDuration = lease
		return nil
	}
}

// WithRenewInterval sets how often in-flight leases are extended.
// Zero disables automatic renewal.
func WithRenewInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.RenewInterval = interval
		return nil
	}
}

// WithReapInterval sets how often expired leases are reclaimed.
// Zero disables the reaper in this process.
func WithReapInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ReapInterval = interval
		return nil
	}
}

// WithShutdownTimeout sets the default grace period for Stop.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ShutdownTimeout = timeout
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) error {
		d.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the dispatcher.
// The store must implement Storer at minimum; the engine requires it to
// be a full store.Store.
func WithStore(s Storer) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}
