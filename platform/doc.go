// Package platform is the task table of the hosted platform: its job
// kinds, their payload schemas and the default queue, priority and retry
// policy of each.
//
// Handlers only decode and delegate; the business logic lives behind
// [Services]:
//
//	cat, _ := platform.NewCatalog()
//	eng, _ := engine.Build(d, engine.WithCatalog(cat))
//	if err := platform.Register(eng, services); err != nil {
//		return err
//	}
//
// The internal queue serves deliverEmail (priority 100) ahead of the
// other internal kinds (priority 50). startQueuedRuns jobs run in one
// queue per job queue, "queue:<id>", one at a time.
package platform
