package mcpconfig

import (
	"testing"
	"time"

	"github.com/fenwick-labs/mcprt/validate"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
client_info:
  name: demo-client
  version: "1.0.0"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport.Kind != "stdio" {
		t.Errorf("default transport kind = %q, want stdio", cfg.Transport.Kind)
	}
	if cfg.Transport.ConnectTimeout != 5*time.Second {
		t.Errorf("default connect timeout = %v, want 5s", cfg.Transport.ConnectTimeout)
	}
	if cfg.Endpoint.ValidationMode != validate.Off {
		t.Errorf("default validation mode = %v, want Off", cfg.Endpoint.ValidationMode)
	}
	if cfg.ClientInfo.Name != "demo-client" {
		t.Errorf("client info name = %q, want demo-client", cfg.ClientInfo.Name)
	}
}

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
transport:
  kind: http
  url: https://example.com/mcp
  connect_timeout_ms: 2000
  read_timeout_ms: 15000
keepalive:
  enabled: true
  interval_ms: 10000
  threshold: 5
validation:
  mode: strict
client_info:
  name: my-client
  version: 2.0.0
capabilities:
  tools: {list_changed: true}
  resources: {subscribe: true, list_changed: true}
  experimental: {chunked_read: true}
auth_provider: github
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport.Kind != "http" || cfg.Transport.URL != "https://example.com/mcp" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Transport.ConnectTimeout != 2*time.Second {
		t.Errorf("connect timeout = %v", cfg.Transport.ConnectTimeout)
	}
	if cfg.Endpoint.Keepalive.Threshold != 5 {
		t.Errorf("keepalive threshold = %d, want 5", cfg.Endpoint.Keepalive.Threshold)
	}
	if cfg.Endpoint.ValidationMode != validate.Strict {
		t.Errorf("validation mode = %v, want Strict", cfg.Endpoint.ValidationMode)
	}
	if cfg.Endpoint.Capabilities.Experimental == nil || !cfg.Endpoint.Capabilities.Experimental.ChunkedRead {
		t.Errorf("chunked_read capability not set: %+v", cfg.Endpoint.Capabilities.Experimental)
	}
	if cfg.AuthProvider != "github" {
		t.Errorf("auth provider = %q, want github", cfg.AuthProvider)
	}
}

func TestParseRejectsUnknownTransportKind(t *testing.T) {
	_, err := Parse([]byte(`transport: {kind: carrier-pigeon}`))
	if err == nil {
		t.Fatal("expected error for unknown transport kind")
	}
}

func TestParseRejectsHTTPWithoutURL(t *testing.T) {
	_, err := Parse([]byte(`transport: {kind: http}`))
	if err == nil {
		t.Fatal("expected error for http transport missing url")
	}
}
