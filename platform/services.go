package platform

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Services is the business logic behind the platform job kinds. Every
// method must be idempotent: a job may run more than once. Return
// job.Fatal to fail a job without retrying it.
type Services interface {
	OrganizationCreated(ctx context.Context, id string) error
	EndpointRegistered(ctx context.Context, id string) error
	DeliverEmail(ctx context.Context, email DeliverEmail) error
	GithubAppInstallationDeleted(ctx context.Context, id string) error
	GithubPush(ctx context.Context, push GithubPush) error
	StopVM(ctx context.Context, id string) error
	StartInitialProjectDeployment(ctx context.Context, id string) error
	StartRun(ctx context.Context, id string) error
	RunFinished(ctx context.Context, id string) error
	ResumeTask(ctx context.Context, id string) error
	DeliverHTTPSourceRequest(ctx context.Context, id string) error
	RefreshConnection(ctx context.Context, connectionID string) error
	RegisterJob(ctx context.Context, endpointID string, metadata json.RawMessage) error
	RegisterSource(ctx context.Context, endpointID string, metadata json.RawMessage) error
	RegisterDynamicTrigger(ctx context.Context, endpointID string, metadata json.RawMessage) error
	RegisterSchedule(ctx context.Context, endpointID string, metadata json.RawMessage) error
	// ActivateSource receives the ID of the job doing the activation so
	// the service can record which attempt activated the source.
	ActivateSource(ctx context.Context, id, jobID string, orphanedEvents []string) error
	StartQueuedRuns(ctx context.Context, id string) error
	DeliverEvent(ctx context.Context, id string) error
	InvokeDispatcher(ctx context.Context, id, eventRecordID string) error
}

// LogServices is a Services implementation that logs every call and
// succeeds. dispatchd runs with it when no application services are
// linked in.
type LogServices struct {
	Logger *slog.Logger
}

var _ Services = LogServices{}

func (s LogServices) log(ctx context.Context, op string, attrs ...slog.Attr) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.LogAttrs(ctx, slog.LevelInfo, op, attrs...)
	return nil
}

func (s LogServices) OrganizationCreated(ctx context.Context, id string) error {
	return s.log(ctx, KindOrganizationCreated, slog.String("id", id))
}

func (s LogServices) EndpointRegistered(ctx context.Context, id string) error {
	return s.log(ctx, KindEndpointRegistered, slog.String("id", id))
}

func (s LogServices) DeliverEmail(ctx context.Context, email DeliverEmail) error {
	return s.log(ctx, KindDeliverEmail, slog.String("email", email.Email), slog.String("to", email.To))
}

func (s LogServices) GithubAppInstallationDeleted(ctx context.Context, id string) error {
	return s.log(ctx, KindGithubAppInstallationDeleted, slog.String("id", id))
}

func (s LogServices) GithubPush(ctx context.Context, push GithubPush) error {
	return s.log(ctx, KindGithubPush,
		slog.String("repository", push.Repository),
		slog.String("branch", push.Branch),
		slog.String("commit_sha", push.CommitSha),
	)
}

func (s LogServices) StopVM(ctx context.Context, id string) error {
	return s.log(ctx, KindStopVM, slog.String("id", id))
}

func (s LogServices) StartInitialProjectDeployment(ctx context.Context, id string) error {
	return s.log(ctx, KindStartInitialDeployment, slog.String("id", id))
}

func (s LogServices) StartRun(ctx context.Context, id string) error {
	return s.log(ctx, KindStartRun, slog.String("id", id))
}

func (s LogServices) RunFinished(ctx context.Context, id string) error {
	return s.log(ctx, KindRunFinished, slog.String("id", id))
}

func (s LogServices) ResumeTask(ctx context.Context, id string) error {
	return s.log(ctx, KindResumeTask, slog.String("id", id))
}

func (s LogServices) DeliverHTTPSourceRequest(ctx context.Context, id string) error {
	return s.log(ctx, KindDeliverHTTPSourceRequest, slog.String("id", id))
}

func (s LogServices) RefreshConnection(ctx context.Context, connectionID string) error {
	return s.log(ctx, KindRefreshOAuthToken, slog.String("connection_id", connectionID))
}

func (s LogServices) RegisterJob(ctx context.Context, endpointID string, _ json.RawMessage) error {
	return s.log(ctx, KindRegisterJob, slog.String("endpoint_id", endpointID))
}

func (s LogServices) RegisterSource(ctx context.Context, endpointID string, _ json.RawMessage) error {
	return s.log(ctx, KindRegisterSource, slog.String("endpoint_id", endpointID))
}

func (s LogServices) RegisterDynamicTrigger(ctx context.Context, endpointID string, _ json.RawMessage) error {
	return s.log(ctx, KindRegisterDynamicTrigger, slog.String("endpoint_id", endpointID))
}

func (s LogServices) RegisterSchedule(ctx context.Context, endpointID string, _ json.RawMessage) error {
	return s.log(ctx, KindRegisterSchedule, slog.String("endpoint_id", endpointID))
}

func (s LogServices) ActivateSource(ctx context.Context, id, jobID string, orphanedEvents []string) error {
	return s.log(ctx, KindActivateSource,
		slog.String("id", id),
		slog.String("job_id", jobID),
		slog.Int("orphaned_events", len(orphanedEvents)),
	)
}

func (s LogServices) StartQueuedRuns(ctx context.Context, id string) error {
	return s.log(ctx, KindStartQueuedRuns, slog.String("id", id))
}

func (s LogServices) DeliverEvent(ctx context.Context, id string) error {
	return s.log(ctx, KindDeliverEvent, slog.String("id", id))
}

func (s LogServices) InvokeDispatcher(ctx context.Context, id, eventRecordID string) error {
	return s.log(ctx, KindInvokeDispatcher, slog.String("id", id), slog.String("event_record_id", eventRecordID))
}
