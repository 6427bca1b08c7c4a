package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hookline/dispatch"
)

// Problem is one validation failure.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError describes why a payload was rejected. It matches
// dispatch.ErrPayloadInvalid under errors.Is.
type ValidationError struct {
	Kind     string    `json:"kind"`
	Problems []Problem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Path, p.Message))
	}
	return fmt.Sprintf("%s: kind %q: %s", dispatch.ErrPayloadInvalid, e.Kind, strings.Join(parts, "; "))
}

// Is reports whether target is dispatch.ErrPayloadInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == dispatch.ErrPayloadInvalid
}

// Validator is implemented by payload types that check their own fields
// after decoding.
type Validator interface {
	Validate() error
}

// Decode unmarshals raw into T and runs T's Validate method when present.
// Unknown fields are ignored.
func Decode[T Payload](raw []byte) (T, error) {
	var payload T
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, &ValidationError{
				Kind:     payload.Kind(),
				Problems: []Problem{{Path: "/", Message: err.Error()}},
			}
		}
	}
	if v, ok := any(&payload).(Validator); ok {
		if err := v.Validate(); err != nil {
			return payload, &ValidationError{
				Kind:     payload.Kind(),
				Problems: []Problem{{Path: "/", Message: err.Error()}},
			}
		}
	}
	return payload, nil
}
