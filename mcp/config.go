package mcp

import (
	"log/slog"
	"time"

	"github.com/fenwick-labs/mcprt/audit"
	"github.com/fenwick-labs/mcprt/validate"
)

// KeepaliveConfig controls the ping/threshold liveness check.
type KeepaliveConfig struct {
	Enabled   bool
	Interval  time.Duration
	Threshold int // consecutive unanswered pings before the connection is closed
}

// DefaultKeepalive is a conservative default cadence for a long-lived
// connection monitor.
var DefaultKeepalive = KeepaliveConfig{Enabled: true, Interval: 15 * time.Second, Threshold: 3}

// EndpointConfig bundles everything a Client or Server needs besides
// the transport itself. mcpconfig.Load produces one of these from a
// YAML file; callers may also build one directly.
type EndpointConfig struct {
	ClientInfo   ClientInfo
	ServerInfo   ServerInfo
	Capabilities Capabilities

	Keepalive KeepaliveConfig

	// ListCacheSize and ListCacheTTL configure the per-connection
	// memoization of */list pages; zero values disable caching.
	ListCacheSize int
	ListCacheTTL  time.Duration

	Validator      validate.Validator
	ValidationMode validate.Mode

	AuditSink audit.Sink
	Logger    *slog.Logger
}

// DefaultEndpointConfig returns a config with the runtime's conservative
// defaults: keepalive on, a small list cache, validation off.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Capabilities: Capabilities{
			Tools:     &ToolsCapability{ListChanged: true},
			Prompts:   &PromptsCapability{ListChanged: true},
			Resources: &ResourcesCapability{Subscribe: true, ListChanged: true},
		},
		Keepalive:      DefaultKeepalive,
		ListCacheSize:  256,
		ListCacheTTL:   30 * time.Second,
		ValidationMode: validate.Off,
	}
}
