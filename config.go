package dispatch

import "time"

// Config holds configuration for the Dispatcher.
type Config struct {
	// Concurrency is the maximum number of jobs executed concurrently by
	// this process, across all queues.
	Concurrency int

	// Queues restricts the queues this process claims from. Empty means
	// every queue that has pending work.
	Queues []string

	// PollInterval is how often the poll loop attempts to claim jobs.
	PollInterval time.Duration

	// LeaseDuration is how long a claim stays valid without renewal.
	LeaseDuration time.Duration

	// RenewInterval is how often leases of in-flight jobs are extended.
	// Zero disables automatic renewal.
	RenewInterval time.Duration

	// ReapInterval is how often expired leases are reclaimed. Zero
	// disables the reaper in this process.
	ReapInterval time.Duration

	// ShutdownTimeout is the grace period given to in-flight jobs when
	// the caller's context carries no deadline.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		PollInterval:    1 * time.Second,
		LeaseDuration:   30 * time.Second,
		RenewInterval:   10 * time.Second,
		ReapInterval:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
