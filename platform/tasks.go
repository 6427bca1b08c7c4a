package platform

import (
	"context"
	"errors"

	"github.com/hookline/dispatch/engine"
	"github.com/hookline/dispatch/job"
)

// Queue names used by the platform kinds.
const (
	QueueInternal        = "internal-queue"
	QueueExecutions      = "executions"
	QueueEventDispatcher = "event-dispatcher"

	// QueuedRunsPrefix prefixes the per job-queue queue of startQueuedRuns.
	QueuedRunsPrefix = "queue:"
)

// Default priorities on the internal queue. Higher runs first.
const (
	PriorityEmail    = 100
	PriorityInternal = 50
)

// Register binds every platform kind to svc with its default policy.
// Deployment overrides applied at engine Start take precedence.
func Register(eng *engine.Engine, svc Services) error {
	internal := func(priority int) []job.Option {
		return []job.Option{job.WithQueue(QueueInternal), job.WithPriority(priority), job.WithMaxAttempts(3)}
	}
	three := job.WithMaxAttempts(3)

	return errors.Join(
		// Internal housekeeping.
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p OrganizationCreated) error {
			return svc.OrganizationCreated(ctx, p.ID)
		}, internal(PriorityInternal)...)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p EndpointRegistered) error {
			return svc.EndpointRegistered(ctx, p.ID)
		}, job.WithQueue(QueueInternal))),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p DeliverEmail) error {
			return svc.DeliverEmail(ctx, p)
		}, internal(PriorityEmail)...)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p GithubAppInstallationDeleted) error {
			return svc.GithubAppInstallationDeleted(ctx, p.ID)
		}, internal(PriorityInternal)...)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p GithubPush) error {
			return svc.GithubPush(ctx, p)
		}, internal(PriorityInternal)...)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p StopVM) error {
			return svc.StopVM(ctx, p.ID)
		}, internal(PriorityInternal)...)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p StartInitialProjectDeployment) error {
			return svc.StartInitialProjectDeployment(ctx, p.ID)
		}, internal(PriorityInternal)...)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p RefreshOAuthToken) error {
			return svc.RefreshConnection(ctx, p.ConnectionID)
		}, job.WithQueue(QueueInternal))),

		// Runs.
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p StartRun) error {
			return svc.StartRun(ctx, p.ID)
		}, job.WithQueue(QueueExecutions), job.WithMaxAttempts(13))),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p ResumeTask) error {
			return svc.ResumeTask(ctx, p.ID)
		}, job.WithQueue(QueueExecutions), job.WithMaxAttempts(13))),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p RunFinished) error {
			return svc.RunFinished(ctx, p.ID)
		}, three)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p StartQueuedRuns) error {
			return svc.StartQueuedRuns(ctx, p.ID)
		}, three, job.WithQueueConcurrency(1)).QueueFrom(QueuedRunsPrefix, func(p StartQueuedRuns) string {
			return p.ID
		})),

		// Endpoint metadata.
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p RegisterJob) error {
			return svc.RegisterJob(ctx, p.EndpointID, p.Job)
		}, three)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p RegisterSource) error {
			return svc.RegisterSource(ctx, p.EndpointID, p.Source)
		}, three)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p RegisterDynamicTrigger) error {
			return svc.RegisterDynamicTrigger(ctx, p.EndpointID, p.DynamicTrigger)
		}, three)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p RegisterSchedule) error {
			return svc.RegisterSchedule(ctx, p.EndpointID, p.Schedule)
		}, three)),

		// Sources and events.
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p ActivateSource) error {
			var jobID string
			if j, ok := job.FromContext(ctx); ok {
				jobID = j.ID.String()
			}
			return svc.ActivateSource(ctx, p.ID, jobID, p.OrphanedEvents)
		}, three)),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p DeliverHTTPSourceRequest) error {
			return svc.DeliverHTTPSourceRequest(ctx, p.ID)
		}, job.WithMaxAttempts(5))),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p DeliverEvent) error {
			return svc.DeliverEvent(ctx, p.ID)
		}, job.WithQueue(QueueEventDispatcher))),
		engine.Register(eng, job.NewDefinition(func(ctx context.Context, p InvokeDispatcher) error {
			return svc.InvokeDispatcher(ctx, p.ID, p.EventRecordID)
		}, three)),
	)
}
