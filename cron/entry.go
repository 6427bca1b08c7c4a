package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hookline/dispatch/catalog"
	"github.com/hookline/dispatch/id"
)

// Entry is a recurring enqueue of one job kind.
type Entry struct {
	// Name identifies the entry. It is part of every dedupe key, so
	// renaming an entry starts a new series.
	Name string `json:"name" yaml:"name"`

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@every 30s" or "@daily".
	Schedule string `json:"schedule" yaml:"schedule"`

	// Kind is the job kind to enqueue.
	Kind string `json:"kind" yaml:"kind"`

	// Payload is the JSON payload of every enqueued job. Empty means "{}".
	Payload json.RawMessage `json:"payload,omitempty" yaml:"payload"`

	// Queue overrides the task's queue.
	Queue string `json:"queue,omitempty" yaml:"queue"`
}

// Validate checks the entry's fields and schedule expression.
func (e Entry) Validate() error {
	if e.Name == "" {
		return errors.New("cron: entry name is required")
	}
	if e.Kind == "" {
		return fmt.Errorf("cron: entry %q: kind is required", e.Name)
	}
	if _, err := ParseSchedule(e.Schedule); err != nil {
		return fmt.Errorf("cron: entry %q: invalid schedule %q: %w", e.Name, e.Schedule, err)
	}
	return nil
}

// Status is an entry with its runtime state.
type Status struct {
	Entry
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastJobID id.JobID   `json:"last_job_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Definition is a typed cron entry. The kind comes from T.
type Definition[T catalog.Payload] struct {
	Name     string
	Schedule string
	Payload  T
	Queue    string
}

// Entry converts the definition into an untyped Entry.
func (d Definition[T]) Entry() (Entry, error) {
	raw, err := json.Marshal(d.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("cron: entry %q: marshal payload: %w", d.Name, err)
	}
	return Entry{
		Name:     d.Name,
		Schedule: d.Schedule,
		Kind:     d.Payload.Kind(),
		Payload:  raw,
		Queue:    d.Queue,
	}, nil
}
