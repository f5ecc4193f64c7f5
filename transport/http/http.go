// Package http implements transport.Transport over MCP's Streamable HTTP
// carrier: each outbound message is a separate HTTP POST, whose response
// may be a single JSON body or an SSE stream of JSON-RPC messages; a
// long-lived GET with Accept: text/event-stream carries messages the
// server originates on its own (requests, notifications, progress)
// outside of any POST response. A session ID returned on initialize is
// captured and echoed on every subsequent request.
package http

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fenwick-labs/mcprt/auth"
	"github.com/fenwick-labs/mcprt/jsonrpc"
	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport"
)

const sessionHeader = "Mcp-Session-Id"

var _ transport.Transport = (*Transport)(nil)

// Transport is a client-side Streamable HTTP carrier.
type Transport struct {
	url    string
	client *http.Client
	authP  auth.Provider

	sessionMu sync.Mutex
	sessionID string

	inbound chan jsonrpc.Message

	sseCtx    context.Context
	sseCancel context.CancelFunc
	wg        sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithAuthProvider attaches a credential provider consulted before every
// request and given a chance to recover from a 401 challenge.
func WithAuthProvider(p auth.Provider) Option {
	return func(t *Transport) { t.authP = p }
}

// WithTLSConfig builds the transport's HTTP client around c, for
// endpoints that pin a private CA (see auth.TLSConfigWithCA).
// Overridden by a later WithHTTPClient.
func WithTLSConfig(c *tls.Config) Option {
	return func(t *Transport) {
		t.client = &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{TLSClientConfig: c},
		}
	}
}

// New opens a Transport against url. The long-lived server-push GET
// stream is started in the background; its failure surfaces through
// Recv rather than New, since a server that doesn't support server push
// at all is still a usable (if degraded) Streamable HTTP peer.
func New(ctx context.Context, url string, opts ...Option) *Transport {
	sseCtx, cancel := context.WithCancel(ctx)
	t := &Transport{
		url:       url,
		client:    &http.Client{Timeout: 60 * time.Second},
		inbound:   make(chan jsonrpc.Message, 64),
		sseCtx:    sseCtx,
		sseCancel: cancel,
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.listen()

	return t
}

func (t *Transport) currentSessionID() string {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.sessionID
}

func (t *Transport) setSessionID(id string) {
	if id == "" {
		return
	}
	t.sessionMu.Lock()
	t.sessionID = id
	t.sessionMu.Unlock()
}

// listen holds the long-lived GET SSE connection for server-originated
// messages. A failure here (e.g. the server doesn't support GET at all)
// silently degrades the transport to POST-response-only delivery rather
// than closing it, since many Streamable HTTP servers never push
// unsolicited messages at all.
func (t *Transport) listen() {
	defer t.wg.Done()

	req, err := http.NewRequestWithContext(t.sseCtx, http.MethodGet, t.url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.applyAuth(t.sseCtx, req); err != nil {
		return
	}
	if sid := t.currentSessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}
	t.setSessionID(resp.Header.Get(sessionHeader))

	t.readSSE(resp.Body)
}

func (t *Transport) applyAuth(ctx context.Context, req *http.Request) error {
	if t.authP == nil {
		return nil
	}
	if err := t.authP.EnsureReady(ctx); err != nil {
		return err
	}
	h, err := t.authP.Headers(ctx)
	if err != nil {
		return err
	}
	for k, vals := range h {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return nil
}

// Send POSTs one JSON-RPC message. A synchronous JSON or SSE response
// body is decoded and delivered to Recv via the inbound queue; per the
// MCP Streamable HTTP transport, responses do not have to be correlated
// to the POST that produced them by the transport layer at all; that's
// the Router's job once the message reaches jsonrpc.Conn.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.closed:
		return mcperr.ErrTransportClosed
	default:
	}

	payload, err := msg.MarshalJSON()
	if err != nil {
		return &mcperr.TransportError{Op: "marshal", Err: err}
	}

	resp, err := t.post(ctx, payload)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil // notification accepted with no body
	}
	defer resp.Body.Close()

	return t.deliverResponse(resp, msg.Kind == jsonrpc.KindNotification)
}

// post issues one POST, retrying exactly once if the server challenges
// with 401 and the attached auth.Provider reports it recovered.
func (t *Transport) post(ctx context.Context, payload []byte) (*http.Response, error) {
	resp, err := t.doPost(ctx, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		challenge := auth.ParseChallenge(resp.Header.Get("WWW-Authenticate"))
		resp.Body.Close()

		if t.authP == nil {
			return nil, &mcperr.AuthChallengeError{
				Realm: challenge.Realm, Err: challenge.Error,
				ErrorDescription: challenge.ErrorDescription, Scope: challenge.Scope,
			}
		}
		if err := t.authP.HandleChallenge(ctx, challenge); err != nil {
			return nil, fmt.Errorf("auth: handle challenge: %w", err)
		}
		resp, err = t.doPost(ctx, payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, &mcperr.AuthChallengeError{
				Realm: challenge.Realm, Err: challenge.Error,
				ErrorDescription: challenge.ErrorDescription, Scope: challenge.Scope,
			}
		}
	}

	if resp.StatusCode == http.StatusAccepted {
		resp.Body.Close()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &mcperr.TransportError{Op: "post", Err: fmt.Errorf("http %d: %s", resp.StatusCode, body)}
	}
	return resp, nil
}

func (t *Transport) doPost(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &mcperr.TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := t.applyAuth(ctx, req); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if sid := t.currentSessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &mcperr.TransportError{Op: "post", Err: err}
	}
	t.setSessionID(resp.Header.Get(sessionHeader))
	return resp, nil
}

func (t *Transport) deliverResponse(resp *http.Response, isNotification bool) error {
	ct := resp.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "text/event-stream") {
		t.readSSE(resp.Body)
		return nil
	}

	if isNotification {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &mcperr.TransportError{Op: "read response", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var reply jsonrpc.Message
	if err := reply.UnmarshalJSON(body); err != nil {
		return err
	}
	t.deliver(reply)
	return nil
}

// readSSE scans an SSE body for `data: ` lines, each carrying one
// JSON-RPC message, forwarding every successfully parsed message to
// Recv. Lines that aren't valid JSON-RPC are skipped rather than
// aborting the stream; a push channel is long-lived and one bad line
// shouldn't sever it.
func (t *Transport) readSSE(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var msg jsonrpc.Message
		if err := msg.UnmarshalJSON([]byte(data)); err != nil {
			continue
		}
		t.deliver(msg)
	}
}

func (t *Transport) deliver(msg jsonrpc.Message) {
	select {
	case t.inbound <- msg:
	case <-t.closed:
	}
}

// Recv returns the next message delivered by either a POST response or
// the background server-push stream.
func (t *Transport) Recv(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.closed:
		return jsonrpc.Message{}, mcperr.ErrTransportClosed
	case <-ctx.Done():
		return jsonrpc.Message{}, ctx.Err()
	}
}

// Close stops the background listener and marks the transport closed.
// Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.sseCancel()
		close(t.closed)
	})
	t.wg.Wait()
	return nil
}

// IsOpen reports whether Close has not yet been called.
func (t *Transport) IsOpen() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

