// Package ext is the observability hook system.
//
// Extensions are notified of job lifecycle events and react to them by
// recording metrics, writing audit logs, alerting and so on. Each event
// is a separate interface so an extension opts in only to what it needs:
//
//	type slowJobs struct{}
//
//	func (slowJobs) Name() string { return "slow-jobs" }
//
//	func (slowJobs) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    if elapsed > time.Minute {
//	        slog.WarnContext(ctx, "slow job", "kind", j.Kind, "elapsed", elapsed)
//	    }
//	    return nil
//	}
//
// # Hooks
//
//   - [JobEnqueued]: a new job was persisted
//   - [JobStarted]: a worker began executing a job
//   - [JobSucceeded]: the handler returned nil
//   - [JobRetrying]: a failed execution was scheduled again
//   - [JobFailed]: the job failed terminally, with a [job.FailureReason]
//   - [JobReclaimed]: an expired lease was taken back by the reaper
//   - [CronFired]: a cron entry enqueued a job
//   - [Shutdown]: the engine is stopping
//
// Hook errors and panics are logged by the [Registry] and never affect job
// processing.
package ext
