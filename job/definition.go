package job

import (
	"context"

	"github.com/hookline/dispatch/catalog"
)

// Definition binds a payload type to its handler and execution policy.
// The kind name comes from T.
//
// Handlers may run more than once for the same job (after a crash or an
// expired lease) and must be idempotent.
type Definition[T catalog.Payload] struct {
	// Handler processes the validated payload. Return nil on success,
	// Fatal(err) for failures that must not be retried, and any other
	// error to retry with backoff.
	Handler func(ctx context.Context, payload T) error

	// Opts holds the task's defaults.
	Opts Options

	queuePrefix string
	queueFn     func(T) string
}

// NewDefinition creates a typed task definition.
func NewDefinition[T catalog.Payload](handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// Kind returns the kind name bound by this definition.
func (d *Definition[T]) Kind() string {
	var zero T
	return zero.Kind()
}

// QueueFrom derives the queue name from the payload at enqueue time as
// prefix + fn(payload), e.g. one queue per tenant. An empty fn result
// falls back to Opts.Queue. Opts.QueueConcurrency then applies to each
// derived queue separately.
func (d *Definition[T]) QueueFrom(prefix string, fn func(payload T) string) *Definition[T] {
	d.queuePrefix = prefix
	d.queueFn = fn
	return d
}
