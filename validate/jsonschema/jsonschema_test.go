package jsonschema

import (
	"encoding/json"
	"testing"

	"github.com/fenwick-labs/mcprt/validate"
)

const toolCallSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"}
	}
}`

func TestValidateUnregisteredMethodPasses(t *testing.T) {
	v := New()
	if err := v.Validate("tools/call", validate.Inbound, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Validate on unregistered method = %v, want nil", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v := New()
	if err := v.RegisterSchema("tools/call", validate.Inbound, []byte(toolCallSchema)); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	err := v.Validate("tools/call", validate.Inbound, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error for missing required field")
	}
	if _, ok := err.(*validate.FieldError); !ok {
		t.Fatalf("err = %T, want *validate.FieldError", err)
	}
}

func TestValidateAcceptsConformingPayload(t *testing.T) {
	v := New()
	if err := v.RegisterSchema("tools/call", validate.Inbound, []byte(toolCallSchema)); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := v.Validate("tools/call", validate.Inbound, json.RawMessage(`{"name":"echo"}`)); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateDirectionIsolated(t *testing.T) {
	v := New()
	if err := v.RegisterSchema("tools/call", validate.Inbound, []byte(toolCallSchema)); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	// Only Inbound has a schema registered; Outbound traffic for the same
	// method passes unchecked.
	if err := v.Validate("tools/call", validate.Outbound, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Validate(Outbound) = %v, want nil", err)
	}
}

func TestRegisterSchemaRejectsInvalidJSON(t *testing.T) {
	v := New()
	if err := v.RegisterSchema("tools/call", validate.Inbound, []byte("not json")); err == nil {
		t.Fatal("expected error registering malformed schema")
	}
}
