package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"

	"github.com/hookline/dispatch"
)

// ErrInvalidSchema is returned by Build when a kind's schema document
// cannot be parsed.
var ErrInvalidSchema = errors.New("catalog: invalid schema")

// schemaMu serializes schema validation. qri-io/jsonschema keeps a
// process-wide schema registry that validation mutates.
var schemaMu sync.Mutex

// Payload is implemented by every typed job payload. Kind must return a
// constant.
type Payload interface {
	Kind() string
}

// Kind is one catalog entry.
type Kind struct {
	// Name is the unique kind identifier.
	Name string

	schema    *jsonschema.Schema
	rawSchema json.RawMessage
}

// Schema returns the kind's JSON Schema document, or nil when the kind
// accepts any JSON value.
func (k *Kind) Schema() json.RawMessage { return k.rawSchema }

// Validate checks raw against the kind's schema.
func (k *Kind) Validate(ctx context.Context, raw []byte) error {
	if !json.Valid(raw) {
		return &ValidationError{
			Kind:     k.Name,
			Problems: []Problem{{Path: "/", Message: "payload is not valid JSON"}},
		}
	}
	if k.schema == nil {
		return nil
	}

	schemaMu.Lock()
	keyErrs, err := k.schema.ValidateBytes(ctx, raw)
	schemaMu.Unlock()
	if err != nil {
		return &ValidationError{
			Kind:     k.Name,
			Problems: []Problem{{Path: "/", Message: err.Error()}},
		}
	}
	if len(keyErrs) == 0 {
		return nil
	}

	problems := make([]Problem, 0, len(keyErrs))
	for _, ke := range keyErrs {
		problems = append(problems, Problem{Path: ke.PropertyPath, Message: ke.Message})
	}
	return &ValidationError{Kind: k.Name, Problems: problems}
}

// Builder assembles a Catalog at startup.
type Builder struct {
	kinds map[string]*Kind
	errs  []error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{kinds: make(map[string]*Kind)}
}

// Add registers a kind. An empty schema accepts any JSON value. Errors
// are collected and reported by Build.
func (b *Builder) Add(name, schemaJSON string) *Builder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: empty kind name", dispatch.ErrUnknownKind))
		return b
	}
	if _, exists := b.kinds[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %q", dispatch.ErrDuplicateKind, name))
		return b
	}

	k := &Kind{Name: name}
	if strings.TrimSpace(schemaJSON) != "" {
		rs := &jsonschema.Schema{}
		if err := json.Unmarshal([]byte(schemaJSON), rs); err != nil {
			b.errs = append(b.errs, fmt.Errorf("%w: kind %q: %w", ErrInvalidSchema, name, err))
			return b
		}
		k.schema = rs
		k.rawSchema = json.RawMessage(schemaJSON)
	}
	b.kinds[name] = k
	return b
}

// Define registers the kind named by T.
func Define[T Payload](b *Builder, schemaJSON string) *Builder {
	var zero T
	return b.Add(zero.Kind(), schemaJSON)
}

// Build returns the immutable Catalog, or every configuration error found.
func (b *Builder) Build() (*Catalog, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	kinds := make(map[string]*Kind, len(b.kinds))
	for name, k := range b.kinds {
		kinds[name] = k
	}
	return &Catalog{kinds: kinds}, nil
}

// Catalog is an immutable mapping of kind name to payload schema.
type Catalog struct {
	kinds map[string]*Kind
}

// Lookup returns the kind registered under name.
func (c *Catalog) Lookup(name string) (*Kind, bool) {
	k, ok := c.kinds[name]
	return k, ok
}

// Names returns every kind name in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of kinds.
func (c *Catalog) Len() int { return len(c.kinds) }

// Validate checks raw against the schema of the named kind. It returns
// dispatch.ErrUnknownKind for unregistered kinds and a *ValidationError
// for payloads that do not match.
func (c *Catalog) Validate(ctx context.Context, name string, raw []byte) error {
	k, ok := c.kinds[name]
	if !ok {
		return fmt.Errorf("%w: %q", dispatch.ErrUnknownKind, name)
	}
	return k.Validate(ctx, raw)
}
