// Package validate defines the optional schema/predicate-checking
// layer the endpoint consults on inbound and outbound payloads.
// Concrete validators live in the jsonschema and script subpackages;
// this package itself carries only the interface and the Off/Warn/Strict
// mode applied around it.
package validate

import (
	"encoding/json"
	"fmt"
)

// Direction indicates which side of a connection a payload travels.
type Direction int

const (
	// Inbound is a message this endpoint received.
	Inbound Direction = iota
	// Outbound is a message this endpoint is about to send.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Validator checks one message's params/result against whatever rule
// it was built with. A nil error means the payload is acceptable.
type Validator interface {
	Validate(method string, dir Direction, payload json.RawMessage) error
}

// Mode controls how a failing Validator result is handled.
type Mode int

const (
	// Off skips validation entirely.
	Off Mode = iota
	// Warn runs the validator and logs failures but never blocks the
	// message.
	Warn
	// Strict runs the validator and turns a failure into an
	// InvalidParams error that blocks the message.
	Strict
)

func (m Mode) String() string {
	switch m {
	case Warn:
		return "warn"
	case Strict:
		return "strict"
	default:
		return "off"
	}
}

// ParseMode parses the YAML/config spelling of a mode ("off", "warn",
// "strict"), defaulting to Off for anything else.
func ParseMode(s string) Mode {
	switch s {
	case "warn":
		return Warn
	case "strict":
		return Strict
	default:
		return Off
	}
}

// FieldError describes one failed validation constraint.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// FieldErrors collects every FieldError produced by one Validate call.
type FieldErrors []*FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
}

// Multi runs a set of validators in order and returns the first error,
// letting an endpoint combine e.g. a jsonschema.Validator with a
// script.Validator under one Mode.
type Multi []Validator

func (m Multi) Validate(method string, dir Direction, payload json.RawMessage) error {
	for _, v := range m {
		if err := v.Validate(method, dir, payload); err != nil {
			return err
		}
	}
	return nil
}
