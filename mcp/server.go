package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fenwick-labs/mcprt/jsonrpc"
	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport"
)

// Server is the capability-provider side of one MCP connection: it
// answers tools/prompts/resources requests from registered handlers and
// pushes notifications for catalog and resource changes.
type Server struct {
	core *endpointCore
	info ServerInfo

	mu                    sync.RWMutex
	onListTools           func(context.Context, PageParams) (Page[Tool], error)
	onCallTool            func(context.Context, CallToolParams) (CallToolResult, error)
	onListPrompts         func(context.Context, PageParams) (Page[Prompt], error)
	onGetPrompt           func(context.Context, GetPromptParams) (GetPromptResult, error)
	onListResources       func(context.Context, PageParams) (Page[Resource], error)
	onListResourceTmpls   func(context.Context, PageParams) (Page[ResourceTemplate], error)
	onReadResource        func(context.Context, ReadResourceParams) (ReadResourceResult, error)
	onSubscribeResource   func(context.Context, string) error
	onUnsubscribeResource func(context.Context, string) error
	onSetLoggingLevel     func(context.Context, LoggingLevel) error
}

// NewServer constructs a Server over t. Call Run to start serving.
func NewServer(info ServerInfo, t transport.Transport, cfg EndpointConfig) *Server {
	s := &Server{
		core: newEndpointCore(t, cfg.Capabilities, cfg),
		info: info,
	}
	s.registerBuiltins()
	return s
}

// Run starts the read loop; it returns once the connection closes.
func (s *Server) Run(ctx context.Context) error {
	s.core.run(ctx)
	return s.core.Wait()
}

// Close shuts the connection down from the server side.
func (s *Server) Close() error { return s.core.Close() }

// LastKeepaliveError reports why the connection closed itself if that
// was due to an unanswered keepalive ping, or nil otherwise.
func (s *Server) LastKeepaliveError() error { return s.core.LastKeepaliveError() }

// SendRequest is the generic escape hatch for server-originated methods
// this Server doesn't wrap directly.
func (s *Server) SendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return s.core.conn.SendRequest(ctx, method, params)
}

// SendNotification is the generic escape hatch for notifications this
// Server doesn't wrap directly.
func (s *Server) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	return s.core.conn.SendNotification(ctx, method, params)
}

// CreateMessage asks the connected client to perform one LLM sampling
// turn on the server's behalf; the client must have registered an
// OnSampling handler for this to succeed.
func (s *Server) CreateMessage(ctx context.Context, params CreateMessageParams) (CreateMessageResult, error) {
	var result CreateMessageResult
	err := call(ctx, s.core, MethodSamplingCreateMessage, params, &result)
	return result, err
}

func (s *Server) registerBuiltins() {
	s.core.conn.Handle(MethodInitialize, s.handleInitialize)
	s.core.conn.Handle(MethodPing, func(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
		return json.RawMessage("{}"), nil
	})
	s.core.conn.HandleNotification(NotifyInitialized, func(ctx context.Context, method string, params json.RawMessage) {
		// initialize already negotiated capabilities on the request/response
		// round trip; this notification only confirms the client is ready.
	})

	s.core.handle(MethodToolsList, s.dispatchListTools)
	s.core.handle(MethodToolsCall, s.dispatchCallTool)
	s.core.handle(MethodPromptsList, s.dispatchListPrompts)
	s.core.handle(MethodPromptsGet, s.dispatchGetPrompt)
	s.core.handle(MethodResourcesList, s.dispatchListResources)
	s.core.handle(MethodResourceTemplatesList, s.dispatchListResourceTemplates)
	s.core.handle(MethodResourcesRead, s.dispatchReadResource)
	s.core.handle(MethodResourcesSubscribe, s.dispatchSubscribe)
	s.core.handle(MethodResourcesUnsubscribe, s.dispatchUnsubscribe)
	s.core.handle(MethodLoggingSetLevel, s.dispatchSetLevel)
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, "malformed initialize params: "+err.Error())
	}

	version, ok := negotiateVersion(params.ProtocolVersion)
	if !ok {
		s.core.logger.Warn("client proposed unsupported protocol version, offering ours instead",
			"requested", params.ProtocolVersion, "offered", version)
	}
	s.core.session.completeHandshake(version, params.Capabilities)

	result := InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.core.session.capabilities(),
		ServerInfo:      s.info,
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, "marshal initialize result: "+err.Error())
	}
	return out, nil
}

// OnListTools registers the handler for tools/list.
func (s *Server) OnListTools(h func(context.Context, PageParams) (Page[Tool], error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListTools = h
}

// OnCallTool registers the handler for tools/call.
func (s *Server) OnCallTool(h func(context.Context, CallToolParams) (CallToolResult, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCallTool = h
}

// OnListPrompts registers the handler for prompts/list.
func (s *Server) OnListPrompts(h func(context.Context, PageParams) (Page[Prompt], error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListPrompts = h
}

// OnGetPrompt registers the handler for prompts/get.
func (s *Server) OnGetPrompt(h func(context.Context, GetPromptParams) (GetPromptResult, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGetPrompt = h
}

// OnListResources registers the handler for resources/list.
func (s *Server) OnListResources(h func(context.Context, PageParams) (Page[Resource], error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListResources = h
}

// OnListResourceTemplates registers the handler for
// resources/templates/list.
func (s *Server) OnListResourceTemplates(h func(context.Context, PageParams) (Page[ResourceTemplate], error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListResourceTmpls = h
}

// OnReadResource registers the handler for resources/read.
func (s *Server) OnReadResource(h func(context.Context, ReadResourceParams) (ReadResourceResult, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReadResource = h
}

// OnSubscribeResource registers the handler for resources/subscribe,
// called with the requested URI.
func (s *Server) OnSubscribeResource(h func(context.Context, string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubscribeResource = h
}

// OnUnsubscribeResource registers the handler for resources/unsubscribe.
func (s *Server) OnUnsubscribeResource(h func(context.Context, string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnsubscribeResource = h
}

// OnSetLoggingLevel registers the handler for logging/setLevel.
func (s *Server) OnSetLoggingLevel(h func(context.Context, LoggingLevel) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSetLoggingLevel = h
}

func (s *Server) dispatchListTools(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onListTools
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "tools/list not implemented")
	}

	var params PageParams
	_ = json.Unmarshal(req.Params, &params)

	if s.core.cache != nil {
		if cached, ok := s.core.cache.Get("tools/list|" + params.Cursor); ok {
			return cached, nil
		}
	}

	page, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
	}
	out, mErr := json.Marshal(page)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	if s.core.cache != nil {
		s.core.cache.Set("tools/list|"+params.Cursor, out)
	}
	return out, nil
}

func (s *Server) dispatchCallTool(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onCallTool
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "tools/call not implemented")
	}
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
	}
	result, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
	}
	out, mErr := json.Marshal(result)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	return out, nil
}

func (s *Server) dispatchListPrompts(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onListPrompts
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "prompts/list not implemented")
	}
	var params PageParams
	_ = json.Unmarshal(req.Params, &params)
	if s.core.cache != nil {
		if cached, ok := s.core.cache.Get("prompts/list|" + params.Cursor); ok {
			return cached, nil
		}
	}
	page, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
	}
	out, mErr := json.Marshal(page)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	if s.core.cache != nil {
		s.core.cache.Set("prompts/list|"+params.Cursor, out)
	}
	return out, nil
}

func (s *Server) dispatchGetPrompt(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onGetPrompt
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "prompts/get not implemented")
	}
	var params GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
	}
	result, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
	}
	out, mErr := json.Marshal(result)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	return out, nil
}

func (s *Server) dispatchListResources(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onListResources
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "resources/list not implemented")
	}
	var params PageParams
	_ = json.Unmarshal(req.Params, &params)
	if s.core.cache != nil {
		if cached, ok := s.core.cache.Get("resources/list|" + params.Cursor); ok {
			return cached, nil
		}
	}
	page, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
	}
	out, mErr := json.Marshal(page)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	if s.core.cache != nil {
		s.core.cache.Set("resources/list|"+params.Cursor, out)
	}
	return out, nil
}

func (s *Server) dispatchListResourceTemplates(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onListResourceTmpls
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "resources/templates/list not implemented")
	}
	var params PageParams
	_ = json.Unmarshal(req.Params, &params)
	page, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
	}
	out, mErr := json.Marshal(page)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	return out, nil
}

func (s *Server) dispatchReadResource(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	s.mu.RLock()
	h := s.onReadResource
	s.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "resources/read not implemented")
	}
	var params ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
	}
	if !s.chunkedReadSupported() {
		// Without the negotiated capability, offset/length are ignored
		// and the handler returns the entire resource.
		params.Offset = nil
		params.Length = nil
	}
	result, err := h(ctx, params)
	if err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeResourceNotFound, err.Error())
	}
	out, mErr := json.Marshal(result)
	if mErr != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInternalError, mErr.Error())
	}
	return out, nil
}

func (s *Server) chunkedReadSupported() bool {
	caps := s.core.session.capabilities()
	return caps.Experimental != nil && caps.Experimental.ChunkedRead
}

func (s *Server) dispatchSubscribe(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
	}
	s.mu.RLock()
	h := s.onSubscribeResource
	s.mu.RUnlock()
	if h != nil {
		if err := h(ctx, params.URI); err != nil {
			return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
		}
	}
	s.core.session.resources.Subscribe(params.URI)
	return json.RawMessage("{}"), nil
}

func (s *Server) dispatchUnsubscribe(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
	}
	s.mu.RLock()
	h := s.onUnsubscribeResource
	s.mu.RUnlock()
	if h != nil {
		if err := h(ctx, params.URI); err != nil {
			return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
		}
	}
	return json.RawMessage("{}"), nil
}

func (s *Server) dispatchSetLevel(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	var params SetLevelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
	}
	s.mu.RLock()
	h := s.onSetLoggingLevel
	s.mu.RUnlock()
	if h != nil {
		if err := h(ctx, params.Level); err != nil {
			return nil, mcperr.NewRPCError(mcperr.CodeServerError, err.Error())
		}
	}
	return json.RawMessage("{}"), nil
}

// NotifyResourceUpdated sends notifications/resources/updated for uri,
// but only if a subscriber ever asked for it.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	if !s.core.session.resources.HasSubscribers(uri) {
		return nil
	}
	return notify(ctx, s.core, NotifyResourcesUpdated, ResourceUpdatedParams{URI: uri})
}

// NotifyResourceListChanged sends notifications/resources/list_changed
// and drops any cached resources/list pages.
func (s *Server) NotifyResourceListChanged(ctx context.Context) error {
	s.invalidateList("resources/list")
	return s.core.conn.SendNotification(ctx, NotifyResourcesListChanged, nil)
}

// NotifyToolListChanged sends notifications/tools/list_changed and
// drops any cached tools/list pages.
func (s *Server) NotifyToolListChanged(ctx context.Context) error {
	s.invalidateList("tools/list")
	return s.core.conn.SendNotification(ctx, NotifyToolsListChanged, nil)
}

// NotifyPromptListChanged sends notifications/prompts/list_changed and
// drops any cached prompts/list pages.
func (s *Server) NotifyPromptListChanged(ctx context.Context) error {
	s.invalidateList("prompts/list")
	return s.core.conn.SendNotification(ctx, NotifyPromptsListChanged, nil)
}

func (s *Server) invalidateList(method string) {
	if s.core.cache == nil {
		return
	}
	prefix := method + "|"
	s.core.cache.InvalidateFunc(func(k string) bool {
		return len(k) >= len(prefix) && k[:len(prefix)] == prefix
	})
}

// NotifyProgress reports progress for a request this server received
// that carried a progress token; it is a thin wrapper that lets server
// handlers push progress outside the IncomingRequest given to them.
func (s *Server) NotifyProgress(ctx context.Context, progressToken string, progress float64, total *float64) error {
	payload := struct {
		ProgressToken string   `json:"progressToken"`
		Progress      float64  `json:"progress"`
		Total         *float64 `json:"total,omitempty"`
	}{ProgressToken: progressToken, Progress: progress, Total: total}
	return notify(ctx, s.core, NotifyProgress, payload)
}

// NotifyLogMessage sends notifications/message.
func (s *Server) NotifyLogMessage(ctx context.Context, level LoggingLevel, logger string, data json.RawMessage) error {
	return notify(ctx, s.core, NotifyLogMessage, LogMessageParams{Level: level, Logger: logger, Data: data})
}
