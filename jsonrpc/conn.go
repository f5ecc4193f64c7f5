package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-labs/mcprt/audit"
	"github.com/fenwick-labs/mcprt/mcperr"
)

// CancelMethod is the notification a caller sends to ask the peer to
// abandon an in-flight request.
const CancelMethod = "notifications/cancelled"

// CancelMethodLegacy is the LSP-style spelling of the same notification;
// accepted inbound for peers that still emit it.
const CancelMethodLegacy = "$/cancelRequest"

// ProgressMethod carries progress events bound to a progressToken.
const ProgressMethod = "notifications/progress"

// transport is the minimal capability Conn needs from a byte-stream
// carrier; transport.Transport values satisfy it structurally, so this
// package never imports the transport package (avoiding an import
// cycle, since transport imports jsonrpc for the Message type).
type transport interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
	IsOpen() bool
}

// RequestHandler answers an inbound request. Returning a non-nil
// *mcperr.RPCError sends an error response; the connection itself stays
// open: handler errors never kill the connection.
type RequestHandler func(ctx context.Context, req *IncomingRequest) (json.RawMessage, *mcperr.RPCError)

// NotificationHandler handles a best-effort inbound notification.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// ProgressEvent is delivered to the sink bound at request-send time.
type ProgressEvent struct {
	Progress float64
	Total    *float64
	Message  string
}

// IncomingRequest wraps one inbound request for a RequestHandler,
// exposing cancellation and progress emission.
type IncomingRequest struct {
	Method string
	Params json.RawMessage

	conn          *Conn
	id            Id
	progressToken *progressToken
	cancelled     atomic.Bool
}

// Cancelled reports whether the peer has asked to cancel this request
// via a cancel notification. Handlers should poll this at suspension points.
func (r *IncomingRequest) Cancelled() bool { return r.cancelled.Load() }

// EmitProgress sends a notifications/progress message carrying this
// request's progress token, if the caller attached one. It is a no-op
// (returns nil) if no token was attached.
func (r *IncomingRequest) EmitProgress(ctx context.Context, progress float64, total *float64) error {
	if r.progressToken == nil {
		return nil
	}
	payload := struct {
		ProgressToken json.RawMessage `json:"progressToken"`
		Progress      float64         `json:"progress"`
		Total         *float64        `json:"total,omitempty"`
	}{ProgressToken: r.progressToken.raw, Progress: progress, Total: total}
	params, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.conn.SendNotification(ctx, ProgressMethod, params)
}

type progressToken struct {
	raw json.RawMessage
	key string
}

// pending is an outbound request awaiting a reply.
type pending struct {
	id            Id
	method        string
	sentAt        time.Time
	resultCh      chan callResult
	cancelFlag    atomic.Bool
	progressToken *progressToken
	progressSink  chan<- ProgressEvent
	timeout       time.Duration
}

type callResult struct {
	result json.RawMessage
	err    error
}

// inboundState tracks cancellation for one in-flight (or not-yet-
// dispatched) inbound request, keyed by id.
type inboundState struct {
	cancelled atomic.Bool
}

// Conn is the JSON-RPC router: it owns the pending table and handler
// tables for one connection and runs the inbound read loop.
type Conn struct {
	t transport

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[Id]*pending
	byToken   map[string]*pending

	inboundMu sync.Mutex
	inbound   map[Id]*inboundState

	handlersMu    sync.RWMutex
	requestH      map[string]RequestHandler
	notificationH map[string]NotificationHandler

	unhandledNotif NotificationHandler // optional catch-all

	auditSink audit.Sink
	logger    *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnOption configures a Conn at construction time.
type ConnOption func(*Conn)

// WithAuditSink attaches an audit.Sink; every sent request, dispatched
// request, and received notification is recorded (method/timing/error
// only, never payloads).
func WithAuditSink(sink audit.Sink) ConnOption {
	return func(c *Conn) { c.auditSink = sink }
}

// WithLogger overrides the default (discarding) logger.
func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// NewConn constructs a Conn over t. Call Serve to start the read loop.
func NewConn(t transport, opts ...ConnOption) *Conn {
	c := &Conn{
		t:             t,
		pending:       make(map[Id]*pending),
		byToken:       make(map[string]*pending),
		inbound:       make(map[Id]*inboundState),
		requestH:      make(map[string]RequestHandler),
		notificationH: make(map[string]NotificationHandler),
		auditSink:     audit.NopSink{},
		logger:        slog.New(discardHandler{}),
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers a RequestHandler for method.
func (c *Conn) Handle(method string, h RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.requestH[method] = h
}

// HandleNotification registers a NotificationHandler for method.
func (c *Conn) HandleNotification(method string, h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notificationH[method] = h
}

// HandleUnmatchedNotification registers a catch-all for notifications
// with no specific handler. Progress and cancel notifications are routed
// by the Conn itself and never reach it.
func (c *Conn) HandleUnmatchedNotification(h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.unhandledNotif = h
}

// Serve runs the inbound read loop until ctx is done or the transport
// closes. It dispatches each inbound request on its own goroutine so
// handlers may run concurrently; Serve itself blocks.
func (c *Conn) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := c.t.Recv(ctx)
		if err != nil {
			c.failAllPending(fmt.Errorf("%w: %v", mcperr.ErrTransportClosed, err))
			return err
		}

		switch msg.Kind {
		case KindResponseOK, KindResponseErr:
			c.resolvePending(msg)
		case KindRequest:
			// Register cancellation state synchronously, before handing
			// off to a goroutine, so a cancel notification for this id
			// arriving on a later Recv (reads are strictly sequential,
			// so it cannot arrive any earlier) always finds the entry.
			state := &inboundState{}
			c.inboundMu.Lock()
			c.inbound[msg.Id] = state
			c.inboundMu.Unlock()

			wg.Add(1)
			go func(m Message, st *inboundState) {
				defer wg.Done()
				c.dispatchRequest(ctx, m, st)
			}(msg, state)
		case KindNotification:
			c.dispatchNotification(ctx, msg)
		default:
			c.logger.Warn("dropping message with unrecognized shape")
		}

		select {
		case <-ctx.Done():
			c.failAllPending(ctx.Err())
			return ctx.Err()
		case <-c.closed:
			return mcperr.ErrTransportClosed
		default:
		}
	}
}

func (c *Conn) resolvePending(msg Message) {
	c.pendingMu.Lock()
	p, ok := c.pending[msg.Id]
	if ok {
		delete(c.pending, msg.Id)
		if p.progressToken != nil {
			delete(c.byToken, p.progressToken.key)
		}
	}
	c.pendingMu.Unlock()

	if !ok {
		// A response with an unknown id never reaches a user callback.
		c.logger.Warn("response for unknown id dropped", "id", msg.Id.String())
		return
	}

	c.auditSink.Record(audit.Record{
		Time: time.Now(), Direction: audit.DirectionInbound, Kind: audit.KindResponse,
		Method: p.method, Id: msg.Id.String(), DurationMS: time.Since(p.sentAt).Milliseconds(),
		Err: errString(msg.Error),
	})

	var res callResult
	if msg.Kind == KindResponseErr {
		res.err = msg.Error
	} else {
		res.result = msg.Result
	}
	// Buffered by 1 at creation time; if cancellation already consumed
	// the slot this send is dropped: a late reply is discarded.
	select {
	case p.resultCh <- res:
	default:
	}
}

func errString(e *mcperr.RPCError) string {
	if e == nil {
		return ""
	}
	return e.Error()
}

func (c *Conn) dispatchRequest(ctx context.Context, msg Message, state *inboundState) {
	start := time.Now()

	defer func() {
		c.inboundMu.Lock()
		delete(c.inbound, msg.Id)
		c.inboundMu.Unlock()
	}()

	if state.cancelled.Load() {
		c.reply(ctx, msg.Id, nil, mcperr.NewRPCError(mcperr.CodeRequestCancelled, "request cancelled before dispatch"))
		return
	}

	c.handlersMu.RLock()
	h, ok := c.requestH[msg.Method]
	c.handlersMu.RUnlock()

	if !ok {
		c.reply(ctx, msg.Id, nil, mcperr.NewRPCError(mcperr.CodeMethodNotFound, "method not found: "+msg.Method))
		return
	}

	req := &IncomingRequest{Method: msg.Method, Params: msg.Params, conn: c, id: msg.Id}
	if tok := extractProgressToken(msg.Params); tok != nil {
		req.progressToken = tok
	}
	req.cancelled.Store(state.cancelled.Load())

	result, rpcErr := h(ctx, req)

	c.auditSink.Record(audit.Record{
		Time: time.Now(), Direction: audit.DirectionInbound, Kind: audit.KindRequest,
		Method: msg.Method, Id: msg.Id.String(), DurationMS: time.Since(start).Milliseconds(),
		Err: errString(rpcErr),
	})

	c.reply(ctx, msg.Id, result, rpcErr)
}

func (c *Conn) reply(ctx context.Context, id Id, result json.RawMessage, rpcErr *mcperr.RPCError) {
	var out Message
	if rpcErr != nil {
		out = NewError(id, rpcErr)
	} else {
		out = NewResult(id, result)
	}
	if err := c.t.Send(ctx, out); err != nil {
		c.logger.Warn("failed to send response", "id", id.String(), "error", err)
	}
}

func (c *Conn) dispatchNotification(ctx context.Context, msg Message) {
	c.auditSink.Record(audit.Record{
		Time: time.Now(), Direction: audit.DirectionInbound, Kind: audit.KindNotification,
		Method: msg.Method,
	})

	switch msg.Method {
	case CancelMethod, CancelMethodLegacy:
		c.handleCancelNotification(msg.Params)
		return
	case ProgressMethod:
		c.routeProgress(msg.Params)
		return
	}

	c.handlersMu.RLock()
	h, ok := c.notificationH[msg.Method]
	fallback := c.unhandledNotif
	c.handlersMu.RUnlock()

	if ok {
		h(ctx, msg.Method, msg.Params)
		return
	}
	if fallback != nil {
		fallback(ctx, msg.Method, msg.Params)
	}
}

func (c *Conn) handleCancelNotification(params json.RawMessage) {
	var body struct {
		RequestId Id `json:"requestId"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		c.logger.Warn("malformed cancel notification", "error", err)
		return
	}
	c.inboundMu.Lock()
	state, ok := c.inbound[body.RequestId]
	c.inboundMu.Unlock()
	if ok {
		state.cancelled.Store(true)
	}
}

func (c *Conn) routeProgress(params json.RawMessage) {
	var body struct {
		ProgressToken json.RawMessage `json:"progressToken"`
		Progress      float64         `json:"progress"`
		Total         *float64        `json:"total,omitempty"`
		Message       string          `json:"message,omitempty"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		c.logger.Warn("malformed notifications/progress", "error", err)
		return
	}
	key := string(body.ProgressToken)

	// The lookup and the non-blocking send both happen under pendingMu, so
	// a send never follows the entry's removal (and the caller's close of
	// the sink) on return from SendRequest.
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.byToken[key]
	if !ok || p.progressSink == nil {
		return
	}
	// Deliver-if-sink-alive, even after the originating call was cancelled.
	select {
	case p.progressSink <- ProgressEvent{Progress: body.Progress, Total: body.Total, Message: body.Message}:
	default:
	}
}

func extractProgressToken(params json.RawMessage) *progressToken {
	var body struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &body); err != nil || body.Meta.ProgressToken == nil {
		return nil
	}
	return &progressToken{raw: body.Meta.ProgressToken, key: string(body.Meta.ProgressToken)}
}

// CallOption configures one outbound request.
type CallOption func(*pending)

// WithTimeout bounds the call to d on top of whatever deadline the
// caller's ctx already carries. On expiry the call fails with
// mcperr.ErrTimeout and a cancel notification is sent, exactly as if
// the ctx itself had timed out.
func WithTimeout(d time.Duration) CallOption {
	return func(p *pending) { p.timeout = d }
}

// WithProgressSink attaches a progress token to the outbound request's
// params (_meta.progressToken) and routes any notifications/progress
// the peer sends back to sink.
func WithProgressSink(token string, sink chan<- ProgressEvent) CallOption {
	return func(p *pending) {
		raw, _ := json.Marshal(token)
		p.progressToken = &progressToken{raw: raw, key: string(raw)}
		p.progressSink = sink
	}
}

// SendRequest sends method/params as a request and blocks until a reply
// arrives, ctx is cancelled/times out, or the transport closes.
//
// On ctx cancellation or deadline, SendRequest sends a cancel
// notification and returns without waiting for a late reply; a subsequently arriving reply for the same id is discarded.
func (c *Conn) SendRequest(ctx context.Context, method string, params json.RawMessage, opts ...CallOption) (json.RawMessage, error) {
	id := NewIntId(c.nextID.Add(1))

	p := &pending{id: id, method: method, sentAt: time.Now(), resultCh: make(chan callResult, 1)}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	finalParams := params
	if p.progressToken != nil {
		finalParams = injectProgressToken(params, p.progressToken.raw)
	}

	c.pendingMu.Lock()
	c.pending[id] = p
	if p.progressToken != nil {
		c.byToken[p.progressToken.key] = p
	}
	c.pendingMu.Unlock()

	if err := c.t.Send(ctx, NewRequest(id, method, finalParams)); err != nil {
		c.removePending(id, p)
		return nil, &mcperr.TransportError{Op: "send request " + method, Err: err}
	}

	c.auditSink.Record(audit.Record{
		Time: time.Now(), Direction: audit.DirectionOutbound, Kind: audit.KindRequest,
		Method: method, Id: id.String(),
	})

	select {
	case res := <-p.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		c.removePending(id, p)
		reason := mcperr.ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = mcperr.ErrTimeout
		}
		_ = c.sendCancel(id)
		return nil, reason
	case <-c.closed:
		c.removePending(id, p)
		return nil, mcperr.ErrTransportClosed
	}
}

func (c *Conn) sendCancel(id Id) error {
	params, _ := json.Marshal(struct {
		RequestId Id `json:"requestId"`
	}{RequestId: id})
	// Best-effort: a cancel notification for a connection that's already
	// failing is not itself an error the caller needs to see.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.t.Send(ctx, NewNotification(CancelMethod, params))
}

func injectProgressToken(params json.RawMessage, token json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if len(params) > 0 {
		_ = json.Unmarshal(params, &obj)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	meta := map[string]json.RawMessage{"progressToken": token}
	metaRaw, _ := json.Marshal(meta)
	obj["_meta"] = metaRaw
	out, _ := json.Marshal(obj)
	return out
}

func (c *Conn) removePending(id Id, p *pending) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if cur, ok := c.pending[id]; ok && cur == p {
		delete(c.pending, id)
		if p.progressToken != nil {
			delete(c.byToken, p.progressToken.key)
		}
	}
}

// SendNotification sends a one-way notification (no reply expected).
func (c *Conn) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	if err := c.t.Send(ctx, NewNotification(method, params)); err != nil {
		return &mcperr.TransportError{Op: "send notification " + method, Err: err}
	}
	c.auditSink.Record(audit.Record{
		Time: time.Now(), Direction: audit.DirectionOutbound, Kind: audit.KindNotification, Method: method,
	})
	return nil
}

// failAllPending resolves every outstanding pending request with err and
// clears the table, used when the connection is torn down so every
// outstanding caller observes the close instead of hanging.
func (c *Conn) failAllPending(err error) {
	c.pendingMu.Lock()
	all := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.pending = make(map[Id]*pending)
	c.byToken = make(map[string]*pending)
	c.pendingMu.Unlock()

	for _, p := range all {
		select {
		case p.resultCh <- callResult{err: err}:
		default:
		}
	}
}

// Close closes the underlying transport and fails all pending requests
// with TransportClosed. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.t.Close()
		c.failAllPending(mcperr.ErrTransportClosed)
	})
	return err
}

// IsOpen reports whether the underlying transport is still open.
func (c *Conn) IsOpen() bool { return c.t.IsOpen() }

// discardHandler is a slog.Handler that drops everything, used as the
// zero-configuration default logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
