// Package dispatch is a typed background job dispatcher. It accepts named,
// schema-validated jobs, persists them in a durable store, and executes them
// with bounded concurrency, per-queue isolation, priorities, and automatic
// retry with per-kind attempt limits.
//
// Dispatch is a library. The process composition root builds one
// Dispatcher, hands it to engine.Build, registers typed task definitions,
// and owns Start/Stop. Nothing is started at import time.
//
// # Quick Start
//
//	d, err := dispatch.New(
//	    dispatch.WithStore(pgStore),
//	    dispatch.WithConcurrency(5),
//	)
//	eng, err := engine.Build(d, engine.WithCatalog(cat))
//	engine.Register(eng, SendPing)
//	err = eng.Start(ctx)
//	j, err := engine.Enqueue(ctx, eng, PingPayload{Target: "x"})
//
// # Delivery
//
// Jobs are delivered at least once. A worker that crashes mid-execution
// leaves a lease behind; once it expires the reaper returns the job to the
// pending state and counts the lost attempt. Handlers must be idempotent.
//
// All entity IDs are TypeIDs: type-prefixed, K-sortable, UUIDv7-based.
package dispatch
