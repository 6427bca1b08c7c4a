// Package cron enqueues jobs on a schedule.
//
// Entries are declared in code or configuration at startup and held in
// memory by every process that runs a [Scheduler]. When an entry is due,
// the scheduler enqueues its kind with the dedupe key
//
//	cron:<entry name>:<unix seconds of the scheduled time>
//
// so that a firing racing another one for the same slot collapses into
// the active job. The dedupe key is released once that job finishes, so a
// scheduler built [WithSlotStore] also claims each (entry, slot) pair in
// the store before enqueueing; a process that loses the claim skips the
// slot. Together they give one job per slot across processes without
// leader election. A process that dies between claiming and enqueueing
// loses that firing.
//
// Schedules use standard 5-field cron syntax or descriptors such as
// "@every 30s" and "@daily". After a firing the next run is computed from
// the current time, so slots missed while no process was running are
// skipped rather than replayed.
package cron
