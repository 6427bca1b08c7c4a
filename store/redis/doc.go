// Package redis implements store.Store on Redis with go-redis/v9.
//
// Every job is a Hash. Pending jobs sit in a per-queue Sorted Set scored
// by run_at, locked jobs in a per-queue Set plus a global lease Sorted Set
// scored by locked_until. Each transition runs as one Lua script, so it
// is atomic against other workers. All keys share the "{dispatch}" hash
// tag and land in one cluster slot.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// The caller owns the client; Close leaves it open.
package redis
