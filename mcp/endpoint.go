package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-labs/mcprt/internal/listcache"
	"github.com/fenwick-labs/mcprt/jsonrpc"
	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport"
	"github.com/fenwick-labs/mcprt/validate"
)

// endpointCore is the shared machinery behind both Client and Server:
// the transport, the JSON-RPC router, handshake/subscription state,
// and the optional validator and list-page cache.
type endpointCore struct {
	t    transport.Transport
	conn *jsonrpc.Conn

	session *sessionState
	cache   *listcache.Cache[string, json.RawMessage]

	validator validate.Validator
	valMode   validate.Mode

	logger *slog.Logger

	keepalive    KeepaliveConfig
	missedPings  atomic.Int32
	keepaliveErr atomic.Value // error

	runOnce  sync.Once
	runErrCh chan error
	stopKA   chan struct{}
}

func newEndpointCore(t transport.Transport, local Capabilities, cfg EndpointConfig, connOpts ...jsonrpc.ConnOption) *endpointCore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := append([]jsonrpc.ConnOption{jsonrpc.WithLogger(logger)}, connOpts...)
	if cfg.AuditSink != nil {
		opts = append(opts, jsonrpc.WithAuditSink(cfg.AuditSink))
	}

	e := &endpointCore{
		t:         t,
		conn:      jsonrpc.NewConn(t, opts...),
		session:   newSessionState(local),
		validator: cfg.Validator,
		valMode:   cfg.ValidationMode,
		logger:    logger,
		keepalive: cfg.Keepalive,
		runErrCh:  make(chan error, 1),
		stopKA:    make(chan struct{}),
	}
	if cfg.ListCacheSize > 0 {
		e.cache = listcache.New[string, json.RawMessage](cfg.ListCacheSize, cfg.ListCacheTTL)
	}
	return e
}

// run starts the read loop and, once the handshake completes, the
// keepalive ticker. It returns immediately; Wait blocks for exit.
func (e *endpointCore) run(ctx context.Context) {
	e.runOnce.Do(func() {
		go func() {
			err := e.conn.Serve(ctx)
			close(e.stopKA)
			e.runErrCh <- err
		}()
		if e.keepalive.Enabled {
			go e.runKeepalive(ctx)
		}
	})
}

// Wait blocks until the connection's read loop exits and returns its
// terminal error.
func (e *endpointCore) Wait() error { return <-e.runErrCh }

// Close shuts the connection down from this side.
func (e *endpointCore) Close() error { return e.conn.Close() }

// LastKeepaliveError reports the error that tripped the keepalive
// threshold and closed the connection, or nil if that never happened.
func (e *endpointCore) LastKeepaliveError() error {
	v := e.keepaliveErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

func (e *endpointCore) runKeepalive(ctx context.Context) {
	interval := e.keepalive.Interval
	if interval <= 0 {
		interval = DefaultKeepalive.Interval
	}
	threshold := e.keepalive.Threshold
	if threshold <= 0 {
		threshold = DefaultKeepalive.Threshold
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopKA:
			return
		case <-ticker.C:
			if !e.session.isInitialized() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			_, err := e.conn.SendRequest(pingCtx, MethodPing, nil)
			cancel()
			if err != nil {
				if e.missedPings.Add(1) >= int32(threshold) {
					e.keepaliveErr.Store(mcperr.ErrKeepaliveTimeout)
					e.logger.Warn("keepalive threshold exceeded, closing connection", "threshold", threshold)
					_ = e.conn.Close()
					return
				}
				continue
			}
			e.missedPings.Store(0)
		}
	}
}

// handle registers a RequestHandler behind the pre-init gate and the
// configured Validator, so individual Client/Server dispatch functions
// don't need to repeat that boilerplate.
func (e *endpointCore) handle(method string, h jsonrpc.RequestHandler) {
	e.conn.Handle(method, func(ctx context.Context, req *jsonrpc.IncomingRequest) (json.RawMessage, *mcperr.RPCError) {
		if err := e.session.requireInitialized(method); err != nil {
			if rpcErr, ok := err.(*mcperr.RPCError); ok {
				return nil, rpcErr
			}
			return nil, mcperr.NewRPCError(mcperr.CodeServerNotInit, err.Error())
		}
		if err := e.checkInbound(method, req.Params); err != nil {
			if rpcErr, ok := err.(*mcperr.RPCError); ok {
				return nil, rpcErr
			}
			return nil, mcperr.NewRPCError(mcperr.CodeInvalidParams, err.Error())
		}
		return h(ctx, req)
	})
}

// checkOutbound runs the configured Validator, if any, against an
// outbound payload, honoring Off/Warn/Strict.
func (e *endpointCore) checkOutbound(method string, payload json.RawMessage) error {
	return e.check(method, validate.Outbound, payload)
}

// checkInbound runs the configured Validator, if any, against an
// inbound payload.
func (e *endpointCore) checkInbound(method string, payload json.RawMessage) error {
	return e.check(method, validate.Inbound, payload)
}

func (e *endpointCore) check(method string, dir validate.Direction, payload json.RawMessage) error {
	if e.validator == nil || e.valMode == validate.Off {
		return nil
	}
	err := e.validator.Validate(method, dir, payload)
	if err == nil {
		return nil
	}
	if e.valMode == validate.Warn {
		e.logger.Warn("validation failed", "method", method, "direction", dir.String(), "error", err)
		return nil
	}
	return mcperr.NewRPCError(mcperr.CodeInvalidParams, fmt.Sprintf("validation failed: %v", err))
}

// call is the generic typed request helper every Client method method
// builds on: marshal params, validate outbound, send, validate and
// unmarshal the result. Extra CallOptions (e.g. jsonrpc.WithProgressSink)
// pass straight through to the Router.
func call[P any, R any](ctx context.Context, e *endpointCore, method string, params P, out *R, opts ...jsonrpc.CallOption) error {
	var raw json.RawMessage
	var err error
	if any(params) != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: marshal %s params: %w", method, err)
		}
	}
	if err := e.checkOutbound(method, raw); err != nil {
		return err
	}

	result, err := e.conn.SendRequest(ctx, method, raw, opts...)
	if err != nil {
		return err
	}
	if err := e.checkInbound(method, result); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, out)
}

// notify is the generic outbound-notification helper.
func notify[P any](ctx context.Context, e *endpointCore, method string, params P) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcp: marshal %s params: %w", method, err)
	}
	if err := e.checkOutbound(method, raw); err != nil {
		return err
	}
	return e.conn.SendNotification(ctx, method, raw)
}
