// Package engine wires all Dispatch subsystems together and provides
// the primary application-level API for registering and enqueuing work.
//
// The engine package exists to break an import cycle: the root dispatch
// package defines Entity and the sentinel errors (imported by job, worker,
// cron, etc.) and therefore cannot import those packages back. Engine sits
// above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	d, err := dispatch.New(
//	    dispatch.WithStore(pgStore),
//	    dispatch.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithCatalog(cat),
//	    engine.WithExtension(collector),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, 10*time.Minute)),
//	    engine.WithQueueConfig(queue.Config{Name: "queue:*", MaxConcurrency: 1}),
//	)
//
// # Registering Work
//
//	engine.MustRegister(eng, job.NewDefinition(sendEmail,
//	    job.WithQueue("internal-queue"), job.WithMaxAttempts(3)))
//
// Start fails unless every catalog kind has exactly one task.
//
// # Enqueuing Jobs
//
//	j, err := engine.Enqueue(ctx, eng, DeliverEmail{To: "user@example.com"})
//
//	// With options
//	engine.Enqueue(ctx, eng, payload,
//	    job.WithDelay(5*time.Minute),
//	    job.WithDedupeKey("invite:"+inviteID))
//
// # Options
//
//   - [WithCatalog]: bind the job catalog
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithQueueConfig]: configure per-queue rate limits and concurrency
//   - [WithOverrides]: apply deployment policy to registered tasks
//   - [WithCron]: add scheduled entries
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
