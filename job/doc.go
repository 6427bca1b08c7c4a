// Package job defines the job entity, its state machine, typed task
// definitions, the task registration table, and the store contract.
//
// # Job Entity
//
// A [Job] is one durable unit of work bound to a kind and a payload. It
// embeds [dispatch.Entity] for timestamps and progresses through:
//
//	pending → locked → succeeded
//	pending → locked → pending (retry: attempt+1, later run_at)
//	pending → locked → failed
//
// Attempt counts consumed attempts. A successful execution leaves it
// unchanged; every failed execution and every expired lease adds one.
// attempt never exceeds max_attempts.
//
// # Defining a Task
//
// Payload types implement catalog.Payload. A [Definition] binds the kind
// to a handler and its execution policy:
//
//	var StartRun = job.NewDefinition(
//	    func(ctx context.Context, p StartRunPayload) error {
//	        return runs.Start(ctx, p.ID)
//	    },
//	    job.WithQueue("executions"),
//	    job.WithMaxAttempts(13),
//	)
//
// Handlers are invoked at least once per job and must be idempotent.
//
// # Registry
//
// [Registry] is the task registration table. Register definitions at
// startup via [Register]; [Registry.Verify] checks the table against the
// catalog before the worker starts.
package job
