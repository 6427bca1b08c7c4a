// Package postgres implements store.Store on PostgreSQL using pgx/v5.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never lock the
// same row, and queues with a concurrency limit are serialized with
// transaction-scoped advisory locks while the limit is checked. Dedupe
// keys are enforced by a partial unique index over active jobs. The
// schema is managed with golang-migrate from embedded SQL files.
package postgres
