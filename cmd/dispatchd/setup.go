package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/dispatch"
	audithook "github.com/hookline/dispatch/audit_hook"
	"github.com/hookline/dispatch/engine"
	"github.com/hookline/dispatch/internal/config"
	"github.com/hookline/dispatch/observability"
	"github.com/hookline/dispatch/platform"
	"github.com/hookline/dispatch/store"
	"github.com/hookline/dispatch/store/memory"
	"github.com/hookline/dispatch/store/postgres"
	redisstore "github.com/hookline/dispatch/store/redis"
	"github.com/hookline/dispatch/store/sqlite"
)

// app is everything a subcommand needs, built from the environment.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	closer func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := cfg.NewLogger(nil)
	slog.SetDefault(logger)

	st, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: st, closer: closer}, nil
}

// close releases the store and its client. After Engine.Stop the store
// is already closed; closing it again is harmless for every backend.
func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
	if a.closer != nil {
		a.closer()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL,
			postgres.WithLogger(logger),
			postgres.WithMaxConns(cfg.DBMaxConns),
		)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	case config.StoreRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		st := redisstore.New(client,
			redisstore.WithLogger(logger),
			redisstore.WithKeyPrefix(cfg.RedisKeyPrefix),
		)
		return st, func() { _ = client.Close() }, nil

	case config.StoreMemory:
		logger.Warn("using the in-memory store; jobs are lost on exit")
		return memory.New(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// buildEngine assembles the engine with the platform task table, the
// deployment policy and Prometheus metrics registered on reg.
func (a *app) buildEngine(reg prometheus.Registerer) (*engine.Engine, *config.Policy, error) {
	policy, err := config.LoadPolicy(a.cfg.PolicyFile)
	if err != nil {
		return nil, nil, err
	}
	policyOpts, err := policy.EngineOptions()
	if err != nil {
		return nil, nil, err
	}

	cat, err := platform.NewCatalog()
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}

	d, err := dispatch.New(append(a.cfg.DispatcherOptions(),
		dispatch.WithStore(a.store),
		dispatch.WithLogger(a.logger),
	)...)
	if err != nil {
		return nil, nil, err
	}

	opts := append([]engine.Option{
		engine.WithCatalog(cat),
		engine.WithExtension(collector),
	}, policyOpts...)
	if a.cfg.AuditLog {
		opts = append(opts, engine.WithExtension(audithook.New(
			audithook.LogRecorder(a.logger.With(slog.String("component", "audit"))),
			audithook.WithLogger(a.logger),
		)))
	}
	eng, err := engine.Build(d, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := platform.Register(eng, platform.LogServices{Logger: a.logger}); err != nil {
		return nil, nil, fmt.Errorf("register platform tasks: %w", err)
	}
	return eng, policy, nil
}
