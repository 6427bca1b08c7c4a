// Package catalog is the closed registry of job kinds. Each kind pairs a
// name with a JSON Schema describing its payload.
//
// Payload types implement [Payload], so the kind name is a property of
// the Go type and typed enqueue cannot name a kind that does not exist:
//
//	type PingPayload struct{ Target string `json:"target"` }
//
//	func (PingPayload) Kind() string { return "sendPing" }
//
//	b := catalog.NewBuilder()
//	catalog.Define[PingPayload](b, `{"type":"object","required":["target"]}`)
//	cat, err := b.Build()
//
// A built [Catalog] is immutable. [Catalog.Validate] never panics on
// malformed input; it returns a [*ValidationError] describing every
// problem found.
package catalog
