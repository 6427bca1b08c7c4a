package platform

import "encoding/json"

// Kind names. They are persisted with every job and must not change.
const (
	KindOrganizationCreated          = "organizationCreated"
	KindEndpointRegistered           = "endpointRegistered"
	KindDeliverEmail                 = "deliverEmail"
	KindGithubAppInstallationDeleted = "githubAppInstallationDeleted"
	KindGithubPush                   = "githubPush"
	KindStopVM                       = "stopVM"
	KindStartInitialDeployment       = "startInitialProjectDeployment"
	KindStartRun                     = "startRun"
	KindRunFinished                  = "runFinished"
	KindResumeTask                   = "resumeTask"
	KindDeliverHTTPSourceRequest     = "deliverHttpSourceRequest"
	KindRefreshOAuthToken            = "refreshOAuthToken"
	KindRegisterJob                  = "registerJob"
	KindRegisterSource               = "registerSource"
	KindRegisterDynamicTrigger       = "registerDynamicTrigger"
	KindRegisterSchedule             = "registerSchedule"
	KindActivateSource               = "activateSource"
	KindStartQueuedRuns              = "startQueuedRuns"
	KindDeliverEvent                 = "deliverEvent"
	KindInvokeDispatcher             = "events.invokeDispatcher"
)

// OrganizationCreated is enqueued after an organization is created.
type OrganizationCreated struct {
	ID string `json:"id"`
}

func (OrganizationCreated) Kind() string { return KindOrganizationCreated }

// EndpointRegistered is enqueued after an endpoint is registered.
type EndpointRegistered struct {
	ID string `json:"id"`
}

func (EndpointRegistered) Kind() string { return KindEndpointRegistered }

// DeliverEmail sends one transactional email.
type DeliverEmail struct {
	Email string `json:"email"`
	To    string `json:"to"`
	Name  string `json:"name,omitempty"`
}

func (DeliverEmail) Kind() string { return KindDeliverEmail }

// GithubAppInstallationDeleted cleans up after an app uninstall.
type GithubAppInstallationDeleted struct {
	ID string `json:"id"`
}

func (GithubAppInstallationDeleted) Kind() string { return KindGithubAppInstallationDeleted }

// GithubPush reacts to a push on a connected repository.
type GithubPush struct {
	Branch     string `json:"branch"`
	CommitSha  string `json:"commitSha"`
	Repository string `json:"repository"`
}

func (GithubPush) Kind() string { return KindGithubPush }

// StopVM stops a project VM.
type StopVM struct {
	ID string `json:"id"`
}

func (StopVM) Kind() string { return KindStopVM }

// StartInitialProjectDeployment deploys a freshly created project.
type StartInitialProjectDeployment struct {
	ID string `json:"id"`
}

func (StartInitialProjectDeployment) Kind() string { return KindStartInitialDeployment }

// StartRun starts a run.
type StartRun struct {
	ID string `json:"id"`
}

func (StartRun) Kind() string { return KindStartRun }

// RunFinished finalizes a run.
type RunFinished struct {
	ID string `json:"id"`
}

func (RunFinished) Kind() string { return KindRunFinished }

// ResumeTask resumes a waiting task.
type ResumeTask struct {
	ID string `json:"id"`
}

func (ResumeTask) Kind() string { return KindResumeTask }

// DeliverHTTPSourceRequest forwards a received HTTP source request.
type DeliverHTTPSourceRequest struct {
	ID string `json:"id"`
}

func (DeliverHTTPSourceRequest) Kind() string { return KindDeliverHTTPSourceRequest }

// RefreshOAuthToken refreshes the token of an API connection.
type RefreshOAuthToken struct {
	OrganizationID string `json:"organizationId"`
	ConnectionID   string `json:"connectionId"`
}

func (RefreshOAuthToken) Kind() string { return KindRefreshOAuthToken }

// RegisterJob registers job metadata reported by an endpoint.
type RegisterJob struct {
	EndpointID string          `json:"endpointId"`
	Job        json.RawMessage `json:"job"`
}

func (RegisterJob) Kind() string { return KindRegisterJob }

// RegisterSource registers source metadata reported by an endpoint.
type RegisterSource struct {
	EndpointID string          `json:"endpointId"`
	Source     json.RawMessage `json:"source"`
}

func (RegisterSource) Kind() string { return KindRegisterSource }

// RegisterDynamicTrigger registers a dynamic trigger reported by an
// endpoint.
type RegisterDynamicTrigger struct {
	EndpointID     string          `json:"endpointId"`
	DynamicTrigger json.RawMessage `json:"dynamicTrigger"`
}

func (RegisterDynamicTrigger) Kind() string { return KindRegisterDynamicTrigger }

// RegisterSchedule registers a schedule reported by an endpoint.
type RegisterSchedule struct {
	EndpointID string          `json:"endpointId"`
	Schedule   json.RawMessage `json:"schedule"`
}

func (RegisterSchedule) Kind() string { return KindRegisterSchedule }

// ActivateSource activates a registered source and replays the events
// that arrived while it was orphaned.
type ActivateSource struct {
	ID             string   `json:"id"`
	OrphanedEvents []string `json:"orphanedEvents,omitempty"`
}

func (ActivateSource) Kind() string { return KindActivateSource }

// StartQueuedRuns starts the queued runs of one job queue. Jobs run in a
// queue of their own, one at a time.
type StartQueuedRuns struct {
	ID string `json:"id"`
}

func (StartQueuedRuns) Kind() string { return KindStartQueuedRuns }

// DeliverEvent delivers a stored event to its dispatchers.
type DeliverEvent struct {
	ID string `json:"id"`
}

func (DeliverEvent) Kind() string { return KindDeliverEvent }

// InvokeDispatcher invokes one event dispatcher for an event record.
type InvokeDispatcher struct {
	ID            string `json:"id"`
	EventRecordID string `json:"eventRecordId"`
}

func (InvokeDispatcher) Kind() string { return KindInvokeDispatcher }
