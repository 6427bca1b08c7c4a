package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/catalog"
)

// HandlerFunc is a type-erased handler that accepts the raw JSON payload.
// Definition[T] is converted to a HandlerFunc at registration time by
// closing over catalog.Decode and the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Task is one row of the registration table.
type Task struct {
	// Name is the kind name.
	Name string

	// Opts holds the task's defaults after deployment overrides.
	Opts Options

	// Handler runs the typed handler on a raw payload.
	Handler HandlerFunc

	// QueuePattern is Opts.Queue for constant queues, or prefix + "*" for
	// payload-derived queues.
	QueuePattern string

	decode       func(raw []byte) error
	resolveQueue func(raw []byte) (string, error)
}

// ResolveQueue returns the queue a job with this payload is routed to.
func (t *Task) ResolveQueue(raw []byte) (string, error) {
	if t.resolveQueue != nil {
		q, err := t.resolveQueue(raw)
		if err != nil {
			return "", err
		}
		if q != "" {
			return q, nil
		}
	}
	if t.Opts.Queue == "" {
		return DefaultQueue, nil
	}
	return t.Opts.Queue, nil
}

// Override holds deployment-level policy overrides for one task. Nil
// fields keep the definition's value.
type Override struct {
	Queue            *string        `yaml:"queue"`
	Priority         *int           `yaml:"priority"`
	MaxAttempts      *int           `yaml:"max_attempts"`
	QueueConcurrency *int           `yaml:"queue_concurrency"`
	Timeout          *time.Duration `yaml:"timeout"`
}

// Registry is the task registration table. It is safe for concurrent use.
type Registry struct {
	catalog *catalog.Catalog

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates an empty registry. When cat is non-nil, every
// registered kind must exist in it and payloads are checked against its
// schemas in addition to typed decoding.
func NewRegistry(cat *catalog.Catalog) *Registry {
	return &Registry{
		catalog: cat,
		tasks:   make(map[string]*Task),
	}
}

// Catalog returns the catalog the registry validates against, or nil.
func (r *Registry) Catalog() *catalog.Catalog { return r.catalog }

// Register adds a typed definition to the registry. The generic handler
// is wrapped in a closure that decodes and validates the payload before
// calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T catalog.Payload](r *Registry, def *Definition[T]) error {
	name := def.Kind()
	if def.Handler == nil {
		return fmt.Errorf("%w: %q has a nil handler", dispatch.ErrMissingHandler, name)
	}
	if def.Opts.MaxAttempts < 1 {
		return fmt.Errorf("dispatch: kind %q: max attempts must be at least 1, got %d", name, def.Opts.MaxAttempts)
	}

	t := &Task{
		Name:         name,
		Opts:         def.Opts,
		QueuePattern: def.Opts.Queue,
		Handler: func(ctx context.Context, raw []byte) error {
			payload, err := catalog.Decode[T](raw)
			if err != nil {
				return err
			}
			return def.Handler(ctx, payload)
		},
		decode: func(raw []byte) error {
			_, err := catalog.Decode[T](raw)
			return err
		},
	}
	if def.queueFn != nil {
		fn, prefix := def.queueFn, def.queuePrefix
		t.QueuePattern = prefix + "*"
		t.resolveQueue = func(raw []byte) (string, error) {
			payload, err := catalog.Decode[T](raw)
			if err != nil {
				return "", err
			}
			if q := fn(payload); q != "" {
				return prefix + q, nil
			}
			return "", nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("%w: %q", dispatch.ErrDuplicateKind, name)
	}
	if r.catalog != nil {
		if _, ok := r.catalog.Lookup(name); !ok {
			return fmt.Errorf("%w: %q is not in the catalog", dispatch.ErrUnknownKind, name)
		}
	}
	r.tasks[name] = t
	return nil
}

// MustRegister is like Register but panics on error. Use it for static
// task tables assembled at startup.
func MustRegister[T catalog.Payload](r *Registry, def *Definition[T]) {
	if err := Register(r, def); err != nil {
		panic(err)
	}
}

// Get returns the task for the given kind.
func (r *Registry) Get(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns all registered kind names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns copies of all registered tasks, sorted by name.
func (r *Registry) Tasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Validate checks raw against the catalog schema (when bound) and the
// typed decoder of kind.
func (r *Registry) Validate(ctx context.Context, kind string, raw []byte) error {
	t, ok := r.Get(kind)
	if !ok {
		return fmt.Errorf("%w: %q", dispatch.ErrUnknownKind, kind)
	}
	if r.catalog != nil {
		if err := r.catalog.Validate(ctx, kind, raw); err != nil {
			return err
		}
	}
	return t.decode(raw)
}

// Verify checks the registration table against the catalog: every kind
// needs exactly one task. Without a catalog it only requires a non-empty
// table.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.catalog == nil {
		if len(r.tasks) == 0 {
			return fmt.Errorf("%w: registry is empty", dispatch.ErrMissingHandler)
		}
		return nil
	}

	var errs []error
	for _, name := range r.catalog.Names() {
		if _, ok := r.tasks[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", dispatch.ErrMissingHandler, name))
		}
	}
	return errors.Join(errs...)
}

// Override applies deployment-level policy to a registered task.
func (r *Registry) Override(name string, o Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%w: cannot override %q", dispatch.ErrUnknownKind, name)
	}
	cp := *t
	if o.Queue != nil {
		cp.Opts.Queue = *o.Queue
		cp.QueuePattern = *o.Queue
		cp.resolveQueue = nil
	}
	if o.Priority != nil {
		cp.Opts.Priority = *o.Priority
	}
	if o.MaxAttempts != nil {
		if *o.MaxAttempts < 1 {
			return fmt.Errorf("dispatch: kind %q: max attempts must be at least 1, got %d", name, *o.MaxAttempts)
		}
		cp.Opts.MaxAttempts = *o.MaxAttempts
	}
	if o.QueueConcurrency != nil {
		cp.Opts.QueueConcurrency = *o.QueueConcurrency
	}
	if o.Timeout != nil {
		cp.Opts.Timeout = *o.Timeout
	}
	r.tasks[name] = &cp
	return nil
}

// QueueLimits returns the concurrency limit per queue pattern declared by
// the registered tasks. When several tasks share a pattern the smallest
// positive limit wins.
func (r *Registry) QueueLimits() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limits := make(map[string]int)
	for _, t := range r.tasks {
		n := t.Opts.QueueConcurrency
		if n <= 0 {
			continue
		}
		if cur, ok := limits[t.QueuePattern]; !ok || n < cur {
			limits[t.QueuePattern] = n
		}
	}
	return limits
}
