package queue

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hookline/dispatch/job"
)

// Config defines per-queue limits.
type Config struct {
	// Name is a queue name, or a prefix pattern ending in "*".
	Name string `yaml:"name"`

	// MaxConcurrency limits how many jobs of a matching queue may be
	// locked at once across all workers. Zero means no queue-specific
	// limit.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RateLimit is the sustained number of jobs per second this process
	// claims from a matching queue. Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit
	// is set.
	RateBurst int `yaml:"rate_burst"`
}

// Validate checks the config for impossible values.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue: config without a name")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("queue: %q: max concurrency must not be negative", c.Name)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("queue: %q: rate limit and burst must not be negative", c.Name)
	}
	return nil
}

// queueState is the runtime state of one concrete queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Manager builds claim plans from queue configs. It is safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	configs  patterns
	resolved map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{resolved: make(map[string]*queueState)}
	for _, cfg := range configs {
		m.configs.set(cfg)
	}
	return m
}

// SetConfig adds or replaces the config for cfg.Name. Rate-limiter state
// of affected queues restarts.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs.set(cfg)
	m.resolved = make(map[string]*queueState)
}

// SetDefaultLimits registers concurrency limits, typically declared by
// task definitions, for patterns that have no config of their own.
func (m *Manager) SetDefaultLimits(limits map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, n := range limits {
		if _, ok := m.configs.exact(name); ok {
			continue
		}
		m.configs.set(Config{Name: name, MaxConcurrency: n})
	}
	m.resolved = make(map[string]*queueState)
}

// Config returns the effective config for a concrete queue name.
func (m *Manager) Config(queue string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.state(queue)
	if qs == nil {
		return Config{}, false
	}
	return qs.config, true
}

// Configs returns every registered config, patterns included.
func (m *Manager) Configs() []Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs.all()
}

// state returns the runtime state for queue, creating it from the best
// matching config. Callers hold m.mu.
func (m *Manager) state(queue string) *queueState {
	if qs, ok := m.resolved[queue]; ok {
		return qs
	}
	cfg, ok := m.configs.match(queue)
	if !ok {
		return nil
	}
	qs := newQueueState(cfg)
	m.resolved[queue] = qs
	return qs
}

// Plan converts queues with ready jobs into claims for at most free jobs.
// Queues whose rate limiter has no whole token left are skipped.
func (m *Manager) Plan(queues []string, free int, now time.Time) []job.QueueClaim {
	if free <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	claims := make([]job.QueueClaim, 0, len(queues))
	for _, q := range queues {
		c := job.QueueClaim{Queue: q, Max: free}
		if qs := m.state(q); qs != nil {
			c.Limit = qs.config.MaxConcurrency
			if qs.limiter != nil {
				tokens := int(qs.limiter.TokensAt(now))
				if tokens <= 0 {
					continue
				}
				if tokens < c.Max {
					c.Max = tokens
				}
			}
		}
		claims = append(claims, c)
	}
	return claims
}

// Commit spends rate-limit tokens for claimed jobs. A claim that raced
// past the bucket leaves it in debt, delaying later plans.
func (m *Manager) Commit(claimed []*job.Job, now time.Time) {
	if len(claimed) == 0 {
		return
	}
	counts := make(map[string]int)
	for _, j := range claimed {
		counts[j.Queue]++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for q, n := range counts {
		if qs := m.state(q); qs != nil && qs.limiter != nil {
			qs.limiter.ReserveN(now, n)
		}
	}
}
