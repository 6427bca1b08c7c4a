// Package config parses the dispatchd configuration from environment
// variables using caarlos0/env/v11, plus an optional YAML policy file
// with per-kind overrides, queue limits and cron entries.
//
// Call [Load] once at startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hookline/dispatch"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config holds the dispatchd configuration sourced from the environment.
type Config struct {
	// ── Store ───────────────────────────────────────────────────────────────
	StoreDriver    string `env:"DISPATCH_STORE"     envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DBMaxConns     int32  `env:"DB_MAX_CONNS"       envDefault:"10"`
	SQLitePath     string `env:"SQLITE_PATH"        envDefault:"dispatch.db"`
	RedisURL       string `env:"REDIS_URL"          envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX"   envDefault:"{dispatch}:"`
	AutoMigrate    bool   `env:"DISPATCH_AUTO_MIGRATE" envDefault:"false"`

	// ── Worker ──────────────────────────────────────────────────────────────
	Concurrency     int           `env:"DISPATCH_CONCURRENCY"      envDefault:"5"`
	Queues          []string      `env:"DISPATCH_QUEUES"           envSeparator:","`
	PollInterval    time.Duration `env:"DISPATCH_POLL_INTERVAL"    envDefault:"1s"`
	LeaseDuration   time.Duration `env:"DISPATCH_LEASE_DURATION"   envDefault:"30s"`
	RenewInterval   time.Duration `env:"DISPATCH_RENEW_INTERVAL"   envDefault:"10s"`
	ReapInterval    time.Duration `env:"DISPATCH_REAP_INTERVAL"    envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"DISPATCH_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// PolicyFile is an optional YAML file, see [Policy].
	PolicyFile string `env:"DISPATCH_POLICY_FILE"`

	// ── Admin API ───────────────────────────────────────────────────────────
	// Empty disables the admin API in the worker.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// ── Logging ─────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	// AuditLog adds one structured audit record per lifecycle event.
	AuditLog bool `env:"DISPATCH_AUDIT_LOG" envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres store"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("config: SQLITE_PATH is required for the sqlite store"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: REDIS_URL is required for the redis store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown DISPATCH_STORE %q", c.StoreDriver))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("config: DISPATCH_CONCURRENCY must be positive, got %d", c.Concurrency))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("config: DISPATCH_POLL_INTERVAL must be positive"))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, errors.New("config: DISPATCH_LEASE_DURATION must be positive"))
	}
	if c.RenewInterval >= c.LeaseDuration {
		errs = append(errs, fmt.Errorf("config: DISPATCH_RENEW_INTERVAL (%s) must be shorter than the lease (%s)",
			c.RenewInterval, c.LeaseDuration))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// DispatcherOptions maps the worker settings onto dispatch options.
func (c *Config) DispatcherOptions() []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithConcurrency(c.Concurrency),
		dispatch.WithQueues(c.Queues...),
		dispatch.WithPollInterval(c.PollInterval),
		dispatch.WithLeaseDuration(c.LeaseDuration),
		dispatch.WithRenewInterval(c.RenewInterval),
		dispatch.WithReapInterval(c.ReapInterval),
		dispatch.WithShutdownTimeout(c.ShutdownTimeout),
	}
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", s)
	}
	return l, nil
}
