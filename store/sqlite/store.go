package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // register the "sqlite" database/sql driver

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable is the golang-migrate bookkeeping table.
const MigrationsTable = "dispatch_schema_migrations"

var _ store.Store = (*Store)(nil)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
	sb     sq.StatementBuilderType
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens the database at dsn with a single connection. The store
// owns the handle and closes it on Close.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dispatch/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dispatch/sqlite: ping: %w", err)
	}
	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing handle. The caller owns the db lifecycle and
// must limit it to one open connection; Close leaves it open.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies the embedded migrations that have not run yet.
func (s *Store) Migrate(_ context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: source: %w", dispatch.ErrMigrationFailed, err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("%w: driver: %w", dispatch.ErrMigrationFailed, err)
	}
	// m.Close would close s.db through the driver, so m is left open.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: init: %w", dispatch.ErrMigrationFailed, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: up: %w", dispatch.ErrMigrationFailed, err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// mapErr reports operations on a closed handle as ErrStoreClosed.
func mapErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%w: %w", dispatch.ErrStoreClosed, err)
	}
	return err
}
