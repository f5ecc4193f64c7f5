// Package script implements validate.Validator by running a
// user-supplied JavaScript predicate through goja, for validation
// rules that are easier to express as a short script than a schema:
// cross-field checks, conditional requirements, anything that would be
// awkward in pure JSON Schema.
package script

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/fenwick-labs/mcprt/validate"
)

// Validator evaluates a single JavaScript function against every
// payload it's asked to check. The script must define:
//
//	function validate(method, direction, payload) { return null }
//
// returning a string describes the failure; returning null/undefined
// (or nothing) means the payload passed. direction is the string
// "inbound" or "outbound". payload is the parsed JSON value, or null
// for an empty body.
//
// A goja.Runtime is not safe for concurrent use, so Validator serializes
// calls behind a mutex; validation is not expected to be a hot path
// relative to the round-trip it gates.
type Validator struct {
	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// New compiles source and binds its top-level validate function.
func New(source string) (*Validator, error) {
	vm := goja.New()
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("script: run validator source: %w", err)
	}
	fnVal := vm.Get("validate")
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("script: source does not define a top-level validate(method, direction, payload) function")
	}
	return &Validator{vm: vm, fn: fn}, nil
}

// Validate implements validate.Validator.
func (v *Validator) Validate(method string, dir validate.Direction, payload json.RawMessage) error {
	var instance any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &instance); err != nil {
			return &validate.FieldError{Field: "$", Message: "payload is not valid JSON: " + err.Error()}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	result, err := v.fn(goja.Undefined(),
		v.vm.ToValue(method),
		v.vm.ToValue(dir.String()),
		v.vm.ToValue(instance),
	)
	if err != nil {
		return fmt.Errorf("script: validate(%s) threw: %w", method, err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil
	}
	if msg := result.String(); msg != "" {
		return &validate.FieldError{Field: method, Message: msg}
	}
	return nil
}
