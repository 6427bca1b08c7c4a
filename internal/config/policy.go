package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hookline/dispatch/cron"
	"github.com/hookline/dispatch/engine"
	"github.com/hookline/dispatch/job"
	"github.com/hookline/dispatch/queue"
)

// Policy is the deployment policy loaded from DISPATCH_POLICY_FILE:
//
//	kinds:
//	  deliverEmail:
//	    priority: 200
//	    max_attempts: 5
//	    timeout: 30s
//	queues:
//	  - name: executions
//	    max_concurrency: 20
//	  - name: "queue:*"
//	    rate_limit: 10
//	cron:
//	  - name: refresh-tokens
//	    schedule: "*/15 * * * *"
//	    kind: refreshOAuthToken
//	    payload: {organizationId: org_1, connectionId: conn_1}
type Policy struct {
	Kinds  map[string]job.Override `yaml:"kinds"`
	Queues []queue.Config          `yaml:"queues"`
	Cron   []CronEntry             `yaml:"cron"`
}

// CronEntry is a cron entry whose payload is written as YAML.
type CronEntry struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"`
	Kind     string         `yaml:"kind"`
	Payload  map[string]any `yaml:"payload"`
	Queue    string         `yaml:"queue"`
}

// LoadPolicy reads and validates the policy at path. An empty path
// returns an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy. Unknown fields are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks queue configs and cron entries. Kind names are checked
// against the registry when the engine starts.
func (p *Policy) Validate() error {
	var errs []error
	for _, q := range p.Queues {
		if err := q.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, o := range p.Kinds {
		if o.MaxAttempts != nil && *o.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("config: kind %q: max_attempts must be at least 1", name))
		}
		if o.QueueConcurrency != nil && *o.QueueConcurrency < 0 {
			errs = append(errs, fmt.Errorf("config: kind %q: queue_concurrency must not be negative", name))
		}
	}
	if _, err := p.CronEntries(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CronEntries converts the YAML cron entries into cron.Entry values.
func (p *Policy) CronEntries() ([]cron.Entry, error) {
	out := make([]cron.Entry, 0, len(p.Cron))
	var errs []error
	for _, c := range p.Cron {
		payload := []byte("{}")
		if c.Payload != nil {
			raw, err := json.Marshal(c.Payload)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: cron %q: payload: %w", c.Name, err))
				continue
			}
			payload = raw
		}
		e := cron.Entry{Name: c.Name, Schedule: c.Schedule, Kind: c.Kind, Payload: payload, Queue: c.Queue}
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}

// EngineOptions returns the engine options carrying this policy.
func (p *Policy) EngineOptions() ([]engine.Option, error) {
	entries, err := p.CronEntries()
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if len(p.Kinds) > 0 {
		opts = append(opts, engine.WithOverrides(p.Kinds))
	}
	if len(p.Queues) > 0 {
		opts = append(opts, engine.WithQueueConfig(p.Queues...))
	}
	if len(entries) > 0 {
		opts = append(opts, engine.WithCron(entries...))
	}
	return opts, nil
}
