// Package sqlite implements store.Store on SQLite using the pure-Go
// modernc.org/sqlite driver. Suitable for single-node deployments, tests
// and CLI tools.
//
// The store holds one connection, so every operation is serialized and a
// claim is atomic without row locks:
//
//	s, err := sqlite.Open(ctx, "file:dispatch.db?_pragma=busy_timeout(5000)")
//	if err != nil { ... }
//	if err := s.Migrate(ctx); err != nil { ... }
//
// Timestamps are stored as Unix microseconds.
package sqlite
