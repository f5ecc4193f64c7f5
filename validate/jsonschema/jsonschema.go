// Package jsonschema implements validate.Validator by compiling one
// JSON Schema document per method and checking payloads against it,
// using github.com/google/jsonschema-go.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fenwick-labs/mcprt/validate"
)

// Validator validates payloads against a schema registered per
// (method, direction) pair. Unregistered pairs pass unchecked, so
// callers only need to supply schemas for the methods they care about.
type Validator struct {
	mu       sync.RWMutex
	resolved map[key]*jsonschema.Resolved
}

type key struct {
	method string
	dir    validate.Direction
}

// New creates an empty Validator; register schemas with RegisterSchema
// before use.
func New() *Validator {
	return &Validator{resolved: make(map[key]*jsonschema.Resolved)}
}

// RegisterSchema compiles schemaJSON and binds it to (method, dir).
// A later call for the same pair replaces the previous schema.
func (v *Validator) RegisterSchema(method string, dir validate.Direction, schemaJSON []byte) error {
	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return fmt.Errorf("jsonschema: parse schema for %s/%s: %w", method, dir, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("jsonschema: resolve schema for %s/%s: %w", method, dir, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.resolved[key{method, dir}] = resolved
	return nil
}

// Validate implements validate.Validator.
func (v *Validator) Validate(method string, dir validate.Direction, payload json.RawMessage) error {
	v.mu.RLock()
	resolved, ok := v.resolved[key{method, dir}]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	var instance any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &instance); err != nil {
			return &validate.FieldError{Field: "$", Message: "payload is not valid JSON: " + err.Error()}
		}
	}

	if err := resolved.Validate(instance); err != nil {
		return &validate.FieldError{Field: method, Message: err.Error()}
	}
	return nil
}
