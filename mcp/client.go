package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/fenwick-labs/mcprt/jsonrpc"
	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport"
)

// Client is the host side of one MCP connection: it calls into a
// server's tools/prompts/resources and reacts to the notifications the
// server pushes back.
type Client struct {
	core *endpointCore
	info ClientInfo

	mu              sync.RWMutex
	onLogMessage    func(LogMessageParams)
	onCreateMessage func(context.Context, CreateMessageParams) (CreateMessageResult, error)
}

// NewClient constructs a Client over t. Call Connect to run the
// initialize handshake before issuing any other call.
func NewClient(info ClientInfo, t transport.Transport, cfg EndpointConfig) *Client {
	c := &Client{core: newEndpointCore(t, cfg.Capabilities, cfg), info: info}
	c.registerBuiltins()
	return c
}

func (c *Client) registerBuiltins() {
	c.core.conn.Handle(MethodPing, func(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
		return json.RawMessage("{}"), nil
	})
	c.core.conn.Handle(MethodSamplingCreateMessage, c.handleCreateMessage)

	c.core.conn.HandleNotification(NotifyResourcesUpdated, func(ctx context.Context, method string, params json.RawMessage) {
		var body ResourceUpdatedParams
		if err := json.Unmarshal(params, &body); err != nil {
			return
		}
		c.core.session.resources.Publish(body.URI)
	})
	c.core.conn.HandleNotification(NotifyLogMessage, func(ctx context.Context, method string, params json.RawMessage) {
		var body LogMessageParams
		if err := json.Unmarshal(params, &body); err != nil {
			return
		}
		c.mu.RLock()
		h := c.onLogMessage
		c.mu.RUnlock()
		if h != nil {
			h(body)
		}
	})
}

func (c *Client) handleCreateMessage(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
	c.mu.RLock()
	h := c.onCreateMessage
	c.mu.RUnlock()
	if h == nil {
		return nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "sampling/createMessage not implemented")
	}
	var params CreateMessageParams
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

// OnSampling registers the handler a server's sampling/createMessage
// request is dispatched to, when this client is willing to act as a
// sampling provider for its peer.
func (c *Client) OnSampling(h func(context.Context, CreateMessageParams) (CreateMessageResult, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCreateMessage = h
}

// OnLogMessage registers a callback for every notifications/message the
// server sends.
func (c *Client) OnLogMessage(h func(LogMessageParams)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLogMessage = h
}

// Connect starts the read loop and performs the initialize handshake:
// send initialize, negotiate capabilities from the
// response, then send notifications/initialized.
func (c *Client) Connect(ctx context.Context) (InitializeResult, error) {
	c.core.run(ctx)

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.core.session.local,
		ClientInfo:      c.info,
	}
	var result InitializeResult
	if err := call(ctx, c.core, MethodInitialize, params, &result); err != nil {
		return InitializeResult{}, err
	}

	c.core.session.completeHandshake(result.ProtocolVersion, result.Capabilities)
	if err := c.core.conn.SendNotification(ctx, NotifyInitialized, nil); err != nil {
		return result, err
	}
	return result, nil
}

// Wait blocks until the connection's read loop exits.
func (c *Client) Wait() error { return c.core.Wait() }

// Close shuts the connection down from the client side.
func (c *Client) Close() error { return c.core.Close() }

// LastKeepaliveError reports why the connection closed itself if that
// was due to an unanswered keepalive ping, or nil otherwise.
func (c *Client) LastKeepaliveError() error { return c.core.LastKeepaliveError() }

// SendRequest is the generic escape hatch for methods this Client
// doesn't wrap directly.
func (c *Client) SendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return c.core.conn.SendRequest(ctx, method, params)
}

// SendNotification is the generic escape hatch for notifications this
// Client doesn't wrap directly.
func (c *Client) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	return c.core.conn.SendNotification(ctx, method, params)
}

// ListTools fetches one page of the server's tool catalog.
func (c *Client) ListTools(ctx context.Context, cursor string) (Page[Tool], error) {
	var page Page[Tool]
	err := call(ctx, c.core, MethodToolsList, PageParams{Cursor: cursor}, &page)
	return page, err
}

// CallTool invokes one tool by name.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (CallToolResult, error) {
	var result CallToolResult
	err := call(ctx, c.core, MethodToolsCall, CallToolParams{Name: name, Arguments: arguments}, &result)
	return result, err
}

// CallToolWithProgress invokes one tool by name like CallTool, but also
// binds a freshly minted progress token to the request so the server can
// stream notifications/progress events back on the returned channel while
// the call is outstanding. The channel is closed once the call returns.
func (c *Client) CallToolWithProgress(ctx context.Context, name string, arguments json.RawMessage) (CallToolResult, <-chan jsonrpc.ProgressEvent, error) {
	events := make(chan jsonrpc.ProgressEvent, 8)
	token := uuid.NewString()

	var result CallToolResult
	err := call(ctx, c.core, MethodToolsCall, CallToolParams{Name: name, Arguments: arguments}, &result,
		jsonrpc.WithProgressSink(token, events))
	close(events)
	return result, events, err
}

// ListPrompts fetches one page of the server's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (Page[Prompt], error) {
	var page Page[Prompt]
	err := call(ctx, c.core, MethodPromptsList, PageParams{Cursor: cursor}, &page)
	return page, err
}

// GetPrompt resolves one prompt template with its arguments filled in.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (GetPromptResult, error) {
	var result GetPromptResult
	err := call(ctx, c.core, MethodPromptsGet, GetPromptParams{Name: name, Arguments: arguments}, &result)
	return result, err
}

// ListResources fetches one page of the server's resource catalog.
func (c *Client) ListResources(ctx context.Context, cursor string) (Page[Resource], error) {
	var page Page[Resource]
	err := call(ctx, c.core, MethodResourcesList, PageParams{Cursor: cursor}, &page)
	return page, err
}

// ListResourceTemplates fetches one page of the server's parameterized
// resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (Page[ResourceTemplate], error) {
	var page Page[ResourceTemplate]
	err := call(ctx, c.core, MethodResourceTemplatesList, PageParams{Cursor: cursor}, &page)
	return page, err
}

// ReadResource reads uri in full. Use ReadResourceChunk to page through
// a large resource when the server advertises experimental.chunked_read.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := call(ctx, c.core, MethodResourcesRead, ReadResourceParams{URI: uri}, &result)
	return result, err
}

// ReadResourceChunk reads one [offset, offset+length) fragment of uri.
// It returns mcperr.ErrInvalidParams if the server never negotiated
// experimental.chunked_read.
func (c *Client) ReadResourceChunk(ctx context.Context, uri string, offset, length int64) (ReadResourceResult, error) {
	caps := c.core.session.capabilities()
	if caps.Experimental == nil || !caps.Experimental.ChunkedRead {
		return ReadResourceResult{}, mcperr.ErrInvalidParams
	}
	var result ReadResourceResult
	err := call(ctx, c.core, MethodResourcesRead, ReadResourceParams{URI: uri, Offset: &offset, Length: &length}, &result)
	return result, err
}

// SubscribeResource asks the server to notify this client of updates to
// uri and returns a channel that receives one ResourceUpdate per
// notification. Call UnsubscribeResource with the same uri and channel
// to release it.
func (c *Client) SubscribeResource(ctx context.Context, uri string) (chan ResourceUpdate, error) {
	if err := call[SubscribeResourceParams, struct{}](ctx, c.core, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, nil); err != nil {
		return nil, err
	}
	return c.core.session.resources.Subscribe(uri), nil
}

// UnsubscribeResource asks the server to stop sending updates for uri
// and releases the local subscription channel.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string, ch chan ResourceUpdate) error {
	if err := call[SubscribeResourceParams, struct{}](ctx, c.core, MethodResourcesUnsubscribe, SubscribeResourceParams{URI: uri}, nil); err != nil {
		return err
	}
	c.core.session.resources.Unsubscribe(uri, ch)
	return nil
}

// SetLoggingLevel asks the server to only emit notifications/message at
// level or above.
func (c *Client) SetLoggingLevel(ctx context.Context, level LoggingLevel) error {
	return call[SetLevelParams, struct{}](ctx, c.core, MethodLoggingSetLevel, SetLevelParams{Level: level}, nil)
}

