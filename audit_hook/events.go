package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobSucceeded = "job.succeeded"
	ActionJobRetrying  = "job.retrying"
	ActionJobFailed    = "job.failed"
	ActionJobReclaimed = "job.reclaimed"
	ActionCronFired    = "cron.fired"
)

// Audit event categories group related actions.
const (
	CategoryJob  = "dispatch.job"
	CategoryCron = "dispatch.cron"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob  = "job"
	ResourceCron = "cron_entry"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobSucceeded,
		ActionJobRetrying,
		ActionJobFailed,
		ActionJobReclaimed,
		ActionCronFired,
	}
}
