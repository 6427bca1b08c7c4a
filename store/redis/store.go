package redis

import (
	"context"
	"embed"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hookline/dispatch/store"
)

//go:embed scripts/*.lua
var scriptsFS embed.FS

func loadScript(name string) *redis.Script {
	src, err := scriptsFS.ReadFile("scripts/" + name)
	if err != nil {
		panic("dispatch/redis: missing script " + name)
	}
	return redis.NewScript(string(src))
}

var (
	insertScript        = loadScript("insert.lua")
	claimScript         = loadScript("claim.lua")
	transitionScript    = loadScript("transition.lua")
	reclaimScript       = loadScript("reclaim.lua")
	pendingQueuesScript = loadScript("pending_queues.lua")
	deleteScript        = loadScript("delete.lua")
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix namespaces every key, e.g. to share one Redis between
// environments. Keep a "{...}" hash tag in the prefix on Redis Cluster.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// run executes a script with the jobs key as its routing key.
func (s *Store) run(ctx context.Context, script *redis.Script, args ...any) *redis.Cmd {
	return script.Run(ctx, s.client, []string{s.jobsKey()}, append([]any{s.prefix}, args...)...)
}
