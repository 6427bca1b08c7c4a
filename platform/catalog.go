package platform

import (
	"fmt"
	"strings"

	"github.com/hookline/dispatch/catalog"
)

// idSchema is shared by every kind whose payload is a single record ID.
const idSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}}
}`

// endpointSchema accepts an endpoint ID plus one metadata object under
// field. The metadata is owned by the endpoint SDK and only its shape is
// checked here.
func endpointSchema(field string) string {
	return fmt.Sprintf(`{
	"type": "object",
	"required": ["endpointId", %[1]q],
	"properties": {
		"endpointId": {"type": "string", "minLength": 1},
		%[1]q: {"type": "object"}
	}
}`, field)
}

// stringsSchema requires every named field as a non-empty string.
func stringsSchema(fields ...string) string {
	props := make([]string, 0, len(fields))
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		props = append(props, fmt.Sprintf(`%q: {"type": "string", "minLength": 1}`, f))
		quoted = append(quoted, fmt.Sprintf("%q", f))
	}
	return fmt.Sprintf(`{"type": "object", "required": [%s], "properties": {%s}}`,
		strings.Join(quoted, ", "), strings.Join(props, ", "))
}

const deliverEmailSchema = `{
	"type": "object",
	"required": ["email", "to"],
	"properties": {
		"email": {"type": "string", "minLength": 1},
		"to": {"type": "string", "minLength": 3},
		"name": {"type": "string"}
	}
}`

const activateSourceSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"orphanedEvents": {"type": "array", "items": {"type": "string"}}
	}
}`

// NewCatalog returns the catalog of every platform job kind.
func NewCatalog() (*catalog.Catalog, error) {
	b := catalog.NewBuilder()
	catalog.Define[OrganizationCreated](b, idSchema)
	catalog.Define[EndpointRegistered](b, idSchema)
	catalog.Define[DeliverEmail](b, deliverEmailSchema)
	catalog.Define[GithubAppInstallationDeleted](b, idSchema)
	catalog.Define[GithubPush](b, stringsSchema("branch", "commitSha", "repository"))
	catalog.Define[StopVM](b, idSchema)
	catalog.Define[StartInitialProjectDeployment](b, idSchema)
	catalog.Define[StartRun](b, idSchema)
	catalog.Define[RunFinished](b, idSchema)
	catalog.Define[ResumeTask](b, idSchema)
	catalog.Define[DeliverHTTPSourceRequest](b, idSchema)
	catalog.Define[RefreshOAuthToken](b, stringsSchema("organizationId", "connectionId"))
	catalog.Define[RegisterJob](b, endpointSchema("job"))
	catalog.Define[RegisterSource](b, endpointSchema("source"))
	catalog.Define[RegisterDynamicTrigger](b, endpointSchema("dynamicTrigger"))
	catalog.Define[RegisterSchedule](b, endpointSchema("schedule"))
	catalog.Define[ActivateSource](b, activateSourceSchema)
	catalog.Define[StartQueuedRuns](b, idSchema)
	catalog.Define[DeliverEvent](b, idSchema)
	catalog.Define[InvokeDispatcher](b, stringsSchema("id", "eventRecordId"))
	return b.Build()
}
