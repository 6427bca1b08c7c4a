// Package audithook is an extension that turns job and cron lifecycle
// events into audit records.
//
// Each hook builds an [AuditEvent] and hands it to a [Recorder]. The
// extension sets the severity: info for normal progress, warning for
// retries and reclaimed leases, critical for jobs that end in the failed
// state. A recorder error is logged and never fails the job.
//
// [LogRecorder] writes events as structured slog records, which is how
// dispatchd wires the extension when DISPATCH_AUDIT_LOG is set. Other
// backends plug in through [RecorderFunc]:
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return auditTable.Insert(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobReclaimed,
//	    ),
//	)
package audithook
