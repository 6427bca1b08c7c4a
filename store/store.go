// Package store defines the aggregate persistence interface.
package store

import (
	"context"

	"github.com/hookline/dispatch/cron"
	"github.com/hookline/dispatch/job"
)

// Store is the aggregate persistence interface implemented by every
// backend.
type Store interface {
	job.Store
	cron.SlotStore

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
