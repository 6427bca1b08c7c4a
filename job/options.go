package job

import "time"

// DefaultQueue is the queue used when neither the definition nor the
// enqueue call names one.
const DefaultQueue = "default"

// Options configures a task definition's defaults and, at enqueue time,
// per-job overrides.
type Options struct {
	// Queue is the queue name the job is routed to.
	Queue string

	// Priority determines claim ordering within a queue. Higher values
	// are claimed first.
	Priority int

	// MaxAttempts is the total number of executions allowed, including
	// the first one.
	MaxAttempts int

	// Timeout bounds one execution. Zero means no limit beyond the lease.
	Timeout time.Duration

	// QueueConcurrency caps how many jobs of this task's queue run at once
	// across all workers. Zero leaves only the global limit. Definition
	// only.
	QueueConcurrency int

	// RunAt schedules the job for a specific time. Enqueue only.
	RunAt time.Time

	// Delay postpones the job relative to enqueue time. Enqueue only.
	Delay time.Duration

	// DedupeKey suppresses duplicates: while a pending or locked job of the
	// same kind carries the key, enqueue returns that job instead. The key
	// is opaque. Enqueue only.
	DedupeKey string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Queue:       DefaultQueue,
		Priority:    0,
		MaxAttempts: 25,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for task definitions and enqueue calls.
type Option func(*Options)

// WithQueue sets the queue name.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithPriority sets the job priority. Higher values are claimed first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxAttempts sets the total number of executions allowed.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithTimeout sets the maximum duration of one execution.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithQueueConcurrency caps concurrent executions for the task's queue.
func WithQueueConcurrency(n int) Option {
	return func(o *Options) { o.QueueConcurrency = n }
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithDelay schedules the job d after enqueue.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithDedupeKey sets the deduplication key.
func WithDedupeKey(key string) Option {
	return func(o *Options) { o.DedupeKey = key }
}
