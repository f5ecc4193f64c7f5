// Package mcpconfig loads a declarative YAML description of an
// mcp.EndpointConfig: parse with gopkg.in/yaml.v3, validate the raw
// shape, then translate into the runtime's own typed config. It never
// constructs an auth.Provider itself; secrets and transport wiring are
// deployment-specific and stay with the caller, who resolves
// AuthProviderName against its own map before building the endpoint.
package mcpconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fenwick-labs/mcprt/mcp"
	"github.com/fenwick-labs/mcprt/validate"
)

// FileConfig is the top-level shape of an mcprt YAML config file.
type FileConfig struct {
	Transport    transportConfig    `yaml:"transport"`
	Keepalive    keepaliveConfig    `yaml:"keepalive"`
	Validation   validationConfig   `yaml:"validation"`
	ClientInfo   clientInfoConfig   `yaml:"client_info"`
	ServerInfo   serverInfoConfig   `yaml:"server_info"`
	Capabilities capabilitiesConfig `yaml:"capabilities"`
	ListCache    listCacheConfig    `yaml:"list_cache"`

	// AuthProviderName names the auth provider; Load returns the name
	// unresolved and the caller maps it to a provider. Empty means no
	// authentication is attached.
	AuthProviderName string `yaml:"auth_provider"`
}

type transportConfig struct {
	Kind             string `yaml:"kind"` // "stdio" | "http" | "memory"
	URL              string `yaml:"url"`
	TLSCAFile        string `yaml:"tls_ca_file"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	ReadTimeoutMS    int    `yaml:"read_timeout_ms"`
}

type keepaliveConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
	Threshold  int  `yaml:"threshold"`
}

type validationConfig struct {
	Mode string `yaml:"mode"` // "off" | "warn" | "strict"
}

type clientInfoConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type serverInfoConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type capabilitiesConfig struct {
	Tools        *toolsCapConfig     `yaml:"tools,omitempty"`
	Prompts      *promptsCapConfig   `yaml:"prompts,omitempty"`
	Resources    *resourcesCapConfig `yaml:"resources,omitempty"`
	Logging      bool                `yaml:"logging,omitempty"`
	Sampling     bool                `yaml:"sampling,omitempty"`
	Experimental *experimentalConfig `yaml:"experimental,omitempty"`
}

type toolsCapConfig struct {
	ListChanged bool `yaml:"list_changed"`
}

type promptsCapConfig struct {
	ListChanged bool `yaml:"list_changed"`
}

type resourcesCapConfig struct {
	Subscribe   bool `yaml:"subscribe"`
	ListChanged bool `yaml:"list_changed"`
}

type experimentalConfig struct {
	ChunkedRead bool `yaml:"chunked_read"`
}

type listCacheConfig struct {
	Size   int `yaml:"size"`
	TTLSec int `yaml:"ttl_sec"`
}

// TransportConfig is the resolved, caller-facing counterpart of
// transportConfig: the raw YAML fields translated into usable types
// (durations instead of millisecond ints) so a caller building the
// actual transport.Transport doesn't re-parse anything.
type TransportConfig struct {
	Kind             string
	URL              string
	TLSCAFile        string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	AuthProviderName string
}

// Load reads path, parses it as YAML, and returns the resolved endpoint
// configuration plus the transport settings a caller uses to construct
// the transport.Transport and the two EndpointConfig values (one per
// role; most files describe a connection that is either a client or
// a server, so the same EndpointConfig content is applied to whichever
// mcp.NewClient/mcp.NewServer the caller actually builds).
func Load(path string) (EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EndpointConfig{}, fmt.Errorf("mcpconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// EndpointConfig bundles the resolved mcp.EndpointConfig fields (minus
// the Validator/AuditSink/Logger references, which are constructed
// objects the caller supplies) with the TransportConfig needed to build
// the carrier itself.
type EndpointConfig struct {
	Transport    TransportConfig
	ClientInfo   mcp.ClientInfo
	ServerInfo   mcp.ServerInfo
	Endpoint     mcp.EndpointConfig
	AuthProvider string
}

// Parse parses and validates YAML config bytes directly, for callers
// that already have the file contents (e.g. embedded configs).
func Parse(data []byte) (EndpointConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return EndpointConfig{}, fmt.Errorf("mcpconfig: parse yaml: %w", err)
	}
	if err := validateFile(&fc); err != nil {
		return EndpointConfig{}, err
	}
	return translate(fc), nil
}

func validateFile(fc *FileConfig) error {
	switch fc.Transport.Kind {
	case "", "stdio", "http", "memory":
	default:
		return fmt.Errorf("mcpconfig: unknown transport.kind %q", fc.Transport.Kind)
	}
	if fc.Transport.Kind == "http" && fc.Transport.URL == "" {
		return fmt.Errorf("mcpconfig: transport.url is required for the http transport")
	}
	switch fc.Validation.Mode {
	case "", "off", "warn", "strict":
	default:
		return fmt.Errorf("mcpconfig: unknown validation.mode %q", fc.Validation.Mode)
	}
	return nil
}

func translate(fc FileConfig) EndpointConfig {
	out := EndpointConfig{
		AuthProvider: fc.AuthProviderName,
		ClientInfo:   mcp.ClientInfo{Name: fc.ClientInfo.Name, Version: fc.ClientInfo.Version},
		ServerInfo:   mcp.ServerInfo{Name: fc.ServerInfo.Name, Version: fc.ServerInfo.Version},
		Transport: TransportConfig{
			Kind:             orDefault(fc.Transport.Kind, "stdio"),
			URL:              fc.Transport.URL,
			TLSCAFile:        fc.Transport.TLSCAFile,
			ConnectTimeout:   msOrDefault(fc.Transport.ConnectTimeoutMS, 5*time.Second),
			ReadTimeout:      msOrDefault(fc.Transport.ReadTimeoutMS, 30*time.Second),
			AuthProviderName: fc.AuthProviderName,
		},
	}

	ep := mcp.DefaultEndpointConfig()
	ep.ClientInfo = out.ClientInfo
	ep.ServerInfo = out.ServerInfo
	ep.Keepalive = mcp.KeepaliveConfig{
		Enabled:   fc.Keepalive.Enabled,
		Interval:  msOrDefault(fc.Keepalive.IntervalMS, mcp.DefaultKeepalive.Interval),
		Threshold: intOrDefault(fc.Keepalive.Threshold, mcp.DefaultKeepalive.Threshold),
	}
	ep.ValidationMode = validate.ParseMode(orDefault(fc.Validation.Mode, "off"))
	if fc.ListCache.Size > 0 {
		ep.ListCacheSize = fc.ListCache.Size
		ep.ListCacheTTL = time.Duration(fc.ListCache.TTLSec) * time.Second
	}
	ep.Capabilities = translateCapabilities(fc.Capabilities)

	out.Endpoint = ep
	return out
}

func translateCapabilities(c capabilitiesConfig) mcp.Capabilities {
	var caps mcp.Capabilities
	if c.Tools != nil {
		caps.Tools = &mcp.ToolsCapability{ListChanged: c.Tools.ListChanged}
	}
	if c.Prompts != nil {
		caps.Prompts = &mcp.PromptsCapability{ListChanged: c.Prompts.ListChanged}
	}
	if c.Resources != nil {
		caps.Resources = &mcp.ResourcesCapability{
			Subscribe:   c.Resources.Subscribe,
			ListChanged: c.Resources.ListChanged,
		}
	}
	if c.Logging {
		caps.Logging = &struct{}{}
	}
	if c.Sampling {
		caps.Sampling = &struct{}{}
	}
	if c.Experimental != nil {
		caps.Experimental = &mcp.ExperimentalCapabilities{ChunkedRead: c.Experimental.ChunkedRead}
	}
	return caps
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
