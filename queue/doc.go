// Package queue turns per-queue policy into claim plans.
//
// Jobs carry a Queue name. A [Config] attaches limits to a queue name or to
// a pattern ending in "*", which matches every queue with that prefix:
//
//	queue.Config{Name: "internal-queue", MaxConcurrency: 1}
//	queue.Config{Name: "queue:*", MaxConcurrency: 1, RateLimit: 2}
//
// Pattern limits apply to each matching queue on its own, so one busy
// project queue cannot use up the budget of another.
//
// # Planning
//
// On each poll tick the worker asks the [Manager] for a plan:
//
//	claims := m.Plan(queues, free, now)
//	jobs, err := store.ClaimJobs(ctx, job.ClaimRequest{Queues: claims, ...})
//	m.Commit(jobs, now)
//
// MaxConcurrency becomes the claim's Limit, which the store enforces
// against jobs locked by every worker. RateLimit is a token bucket
// (golang.org/x/time/rate) local to the process: Plan caps each claim by
// the tokens available and Commit spends one token per claimed job.
//
// Queues without a matching Config are limited only by the pool's free
// slots.
package queue
