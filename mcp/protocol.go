// Package mcp implements the Model Context Protocol session and
// endpoint layers over a jsonrpc.Conn: the initialize handshake,
// capability negotiation, keepalive, subscriptions, paging, and chunked
// resource reads, plus the typed Client/Server APIs applications
// actually call.
package mcp

import "encoding/json"

// ProtocolVersion is the version this module negotiates by default.
const ProtocolVersion = "2025-06-18"

// SupportedProtocolVersions are the versions this module can speak,
// newest first; initialize negotiates the highest common version.
var SupportedProtocolVersions = []string{ProtocolVersion, "2024-11-05"}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the serving endpoint.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the negotiable feature-flag record exchanged during
// initialize.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Logging   *struct{}            `json:"logging,omitempty"`
	Sampling  *struct{}            `json:"sampling,omitempty"`

	Experimental *ExperimentalCapabilities `json:"experimental,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ExperimentalCapabilities carries non-standard, negotiated-by-name
// extensions. ChunkedRead gates offset/length support on
// resources/read.
type ExperimentalCapabilities struct {
	Keepalive   *KeepaliveCapability `json:"keepalive,omitempty"`
	ChunkedRead bool                 `json:"chunked_read,omitempty"`
}

type KeepaliveCapability struct {
	Enabled    bool `json:"enabled,omitempty"`
	IntervalMS int  `json:"interval_ms,omitempty"`
	Threshold  int  `json:"threshold,omitempty"`
}

// negotiate returns the intersection of two capability sets: a feature
// is present in the result only if both sides declared it.
func negotiate(a, b Capabilities) Capabilities {
	var out Capabilities
	if a.Tools != nil && b.Tools != nil {
		out.Tools = &ToolsCapability{ListChanged: a.Tools.ListChanged && b.Tools.ListChanged}
	}
	if a.Prompts != nil && b.Prompts != nil {
		out.Prompts = &PromptsCapability{ListChanged: a.Prompts.ListChanged && b.Prompts.ListChanged}
	}
	if a.Resources != nil && b.Resources != nil {
		out.Resources = &ResourcesCapability{
			Subscribe:   a.Resources.Subscribe && b.Resources.Subscribe,
			ListChanged: a.Resources.ListChanged && b.Resources.ListChanged,
		}
	}
	if a.Logging != nil && b.Logging != nil {
		out.Logging = &struct{}{}
	}
	if a.Sampling != nil && b.Sampling != nil {
		out.Sampling = &struct{}{}
	}
	if a.Experimental != nil && b.Experimental != nil {
		out.Experimental = &ExperimentalCapabilities{
			ChunkedRead: a.Experimental.ChunkedRead && b.Experimental.ChunkedRead,
		}
		if a.Experimental.Keepalive != nil && b.Experimental.Keepalive != nil {
			out.Experimental.Keepalive = &KeepaliveCapability{Enabled: true}
		}
	}
	return out
}

// InitializeParams is the client's initialize request body.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult is the server's initialize response body.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

// Page is the generic paged-listing envelope for every */list method:
// opaque cursors, absent nextCursor ends enumeration.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// PageParams is the generic paged-listing request body.
type PageParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallToolParams is the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one item of a tool or sampling result's content list.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, for image/audio blocks
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Prompt describes one retrievable prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// GetPromptParams is the params for prompts/get.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// Resource describes one readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate describes a parameterized family of resources.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ReadResourceParams is the params for resources/read. Offset/Length are
// only honored by servers advertising experimental.chunked_read.
type ReadResourceParams struct {
	URI    string `json:"uri"`
	Offset *int64 `json:"offset,omitempty"`
	Length *int64 `json:"length,omitempty"`
}

// ResourceChunk describes one chunked-read fragment's position.
type ResourceChunk struct {
	Offset int64  `json:"offset"`
	Total  *int64 `json:"total,omitempty"`
}

// ResourceContent is one item of a resources/read result.
type ResourceContent struct {
	URI        string         `json:"uri"`
	MIMEType   string         `json:"mimeType,omitempty"`
	Text       string         `json:"text,omitempty"`
	Blob       string         `json:"blob,omitempty"` // base64
	Chunk      *ResourceChunk `json:"chunk,omitempty"`
	NextOffset *int64         `json:"nextOffset,omitempty"`
}

// ReadResourceResult is the result of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// SubscribeResourceParams is the params for resources/subscribe and
// resources/unsubscribe.
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// LoggingLevel is one of the RFC 5424 severity names MCP reuses.
type LoggingLevel string

const (
	LogDebug     LoggingLevel = "debug"
	LogInfo      LoggingLevel = "info"
	LogNotice    LoggingLevel = "notice"
	LogWarning   LoggingLevel = "warning"
	LogError     LoggingLevel = "error"
	LogCritical  LoggingLevel = "critical"
	LogAlert     LoggingLevel = "alert"
	LogEmergency LoggingLevel = "emergency"
)

// SetLevelParams is the params for logging/setLevel.
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LogMessageParams is the params for notifications/message.
type LogMessageParams struct {
	Level  LoggingLevel    `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// SamplingMessage is one turn of a CreateMessage conversation.
type SamplingMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// CreateMessageParams is the params for sampling/createMessage.
type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int               `json:"maxTokens,omitempty"`
	ModelPreferences json.RawMessage   `json:"modelPreferences,omitempty"`
}

// CreateMessageResult is the result of sampling/createMessage.
type CreateMessageResult struct {
	Role       string       `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model,omitempty"`
	StopReason string       `json:"stopReason,omitempty"`
}

// ResourceUpdatedParams is the params for
// notifications/resources/updated.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// MCP method and notification names.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"
	MethodResourcesList         = "resources/list"
	MethodResourceTemplatesList = "resources/templates/list"
	MethodResourcesRead         = "resources/read"
	MethodResourcesSubscribe    = "resources/subscribe"
	MethodResourcesUnsubscribe  = "resources/unsubscribe"
	MethodLoggingSetLevel       = "logging/setLevel"
	MethodSamplingCreateMessage = "sampling/createMessage"

	NotifyInitialized          = "notifications/initialized"
	NotifyCancelled            = "notifications/cancelled"
	NotifyProgress             = "notifications/progress"
	NotifyLogMessage           = "notifications/message"
	NotifyResourcesUpdated     = "notifications/resources/updated"
	NotifyResourcesListChanged = "notifications/resources/list_changed"
	NotifyToolsListChanged     = "notifications/tools/list_changed"
	NotifyPromptsListChanged   = "notifications/prompts/list_changed"
)
