package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport/memory"
)

func newPair(t *testing.T) (*Client, *Server) {
	t.Helper()
	clientSide, serverSide := memory.Pair(0)

	srv := NewServer(ServerInfo{Name: "test-server", Version: "1.0.0"}, serverSide, DefaultEndpointConfig())
	client := NewClient(ClientInfo{Name: "test-client", Version: "1.0.0"}, clientSide, DefaultEndpointConfig())

	ctx := context.Background()
	go func() { _ = srv.Run(ctx) }()

	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
	})
	return client, srv
}

// TestInitializeHandshake: after a successful handshake both sides
// agree on a negotiated capability set and the client can call gated
// methods.
func TestInitializeHandshake(t *testing.T) {
	client, srv := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("negotiated version = %q, want %q", result.ProtocolVersion, ProtocolVersion)
	}
	if !srv.core.session.isInitialized() {
		t.Error("server session not marked initialized after handshake")
	}
}

// TestServerNotInitializedGate: a request other
// than initialize/ping before the handshake completes is rejected with
// -32002, and no registered handler is invoked.
func TestServerNotInitializedGate(t *testing.T) {
	clientSide, serverSide := memory.Pair(0)
	srv := NewServer(ServerInfo{Name: "s", Version: "1"}, serverSide, DefaultEndpointConfig())

	invoked := false
	srv.OnListTools(func(ctx context.Context, p PageParams) (Page[Tool], error) {
		invoked = true
		return Page[Tool]{}, nil
	})

	ctx := context.Background()
	go func() { _ = srv.Run(ctx) }()
	defer srv.Close()

	client := NewClient(ClientInfo{Name: "c", Version: "1"}, clientSide, DefaultEndpointConfig())
	defer client.Close()
	client.core.run(ctx)

	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := client.ListTools(callCtx, "")
	if err == nil {
		t.Fatal("expected ServerNotInitialized error before handshake")
	}
	rpcErr, ok := err.(*mcperr.RPCError)
	if !ok || rpcErr.Code != mcperr.CodeServerNotInit {
		t.Fatalf("err = %v, want RPCError{Code: %d}", err, mcperr.CodeServerNotInit)
	}
	if invoked {
		t.Error("handler was invoked despite the pre-init gate")
	}
}

// TestToolsListAndCall exercises the generic paging envelope and a
// round-tripped tool call.
func TestToolsListAndCall(t *testing.T) {
	client, srv := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	srv.OnListTools(func(ctx context.Context, p PageParams) (Page[Tool], error) {
		if p.Cursor == "" {
			return Page[Tool]{Items: []Tool{{Name: "a"}}, NextCursor: "page2"}, nil
		}
		return Page[Tool]{Items: []Tool{{Name: "b"}}}, nil
	})
	srv.OnCallTool(func(ctx context.Context, p CallToolParams) (CallToolResult, error) {
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: "ok:" + p.Name}}}, nil
	})

	page1, err := client.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("ListTools page1: %v", err)
	}
	if len(page1.Items) != 1 || page1.Items[0].Name != "a" || page1.NextCursor != "page2" {
		t.Fatalf("page1 = %+v", page1)
	}
	page2, err := client.ListTools(ctx, page1.NextCursor)
	if err != nil {
		t.Fatalf("ListTools page2: %v", err)
	}
	if len(page2.Items) != 1 || page2.Items[0].Name != "b" || page2.NextCursor != "" {
		t.Fatalf("page2 = %+v", page2)
	}

	result, err := client.CallTool(ctx, "a", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok:a" {
		t.Fatalf("CallTool result = %+v", result)
	}
}

// TestResourceSubscriptionDelivery: a
// client subscribes, the server publishes an update for the same uri,
// and the client's bound channel receives exactly one notification.
func TestResourceSubscriptionDelivery(t *testing.T) {
	client, srv := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	updates, err := client.SubscribeResource(ctx, "file:///a.txt")
	if err != nil {
		t.Fatalf("SubscribeResource: %v", err)
	}

	if err := srv.NotifyResourceUpdated(ctx, "file:///a.txt"); err != nil {
		t.Fatalf("NotifyResourceUpdated: %v", err)
	}

	select {
	case u := <-updates:
		if u.URI != "file:///a.txt" {
			t.Errorf("update URI = %q", u.URI)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resource update")
	}

	if err := client.UnsubscribeResource(ctx, "file:///a.txt", updates); err != nil {
		t.Fatalf("UnsubscribeResource: %v", err)
	}
}

// TestChunkedReadFallback: a server that never negotiated
// experimental.chunked_read ignores offset/length on resources/read and
// returns the entire resource, and the typed client helper refuses to
// issue a chunked read at all.
func TestChunkedReadFallback(t *testing.T) {
	clientSide, serverSide := memory.Pair(0)

	cfgNoChunk := DefaultEndpointConfig()
	cfgNoChunk.Capabilities.Experimental = nil
	srv := NewServer(ServerInfo{Name: "s", Version: "1"}, serverSide, cfgNoChunk)
	srv.OnReadResource(func(ctx context.Context, p ReadResourceParams) (ReadResourceResult, error) {
		if p.Offset != nil || p.Length != nil {
			t.Errorf("handler saw offset=%v length=%v, want both cleared", p.Offset, p.Length)
		}
		return ReadResourceResult{Contents: []ResourceContent{{URI: p.URI, Text: "whole body"}}}, nil
	})

	ctx := context.Background()
	go func() { _ = srv.Run(ctx) }()
	defer srv.Close()

	client := NewClient(ClientInfo{Name: "c", Version: "1"}, clientSide, DefaultEndpointConfig())
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Connect(callCtx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := client.ReadResourceChunk(callCtx, "file:///a.txt", 0, 10); err == nil {
		t.Fatal("expected ReadResourceChunk to fail without negotiated chunked_read")
	}

	// A peer that sends offset/length anyway gets the whole resource
	// back, not an error.
	raw, err := client.SendRequest(callCtx, MethodResourcesRead,
		json.RawMessage(`{"uri":"file:///a.txt","offset":0,"length":10}`))
	if err != nil {
		t.Fatalf("resources/read with offset/length: %v", err)
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].Text != "whole body" {
		t.Fatalf("result = %+v, want the full resource body", result)
	}
}

// TestCallToolWithProgressClosesChannel exercises the client's
// progress-bound tool call when the server emits no progress: the result
// comes back and the events channel CallToolWithProgress returns is
// already closed and empty.
func TestCallToolWithProgressClosesChannel(t *testing.T) {
	client, srv := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	srv.OnCallTool(func(ctx context.Context, p CallToolParams) (CallToolResult, error) {
		return CallToolResult{Content: []ContentBlock{{Type: "text", Text: "done"}}}, nil
	})

	result, events, err := client.CallToolWithProgress(ctx, "slow", nil)
	if err != nil {
		t.Fatalf("CallToolWithProgress: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "done" {
		t.Fatalf("result = %+v", result)
	}
	// No progress was emitted server-side in this test, so the channel
	// should already be closed and empty by the time the call returns.
	if _, ok := <-events; ok {
		t.Fatal("expected events channel to be closed with no pending events")
	}
}

// TestSamplingRoundTrip exercises the reversed request direction: the
// server originates sampling/createMessage and the client's registered
// OnSampling handler answers it.
func TestSamplingRoundTrip(t *testing.T) {
	client, srv := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client.OnSampling(func(ctx context.Context, p CreateMessageParams) (CreateMessageResult, error) {
		return CreateMessageResult{
			Role:    "assistant",
			Content: ContentBlock{Type: "text", Text: "sampled: " + p.Messages[0].Content.Text},
			Model:   "test-model",
		}, nil
	})

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := srv.CreateMessage(ctx, CreateMessageParams{
		Messages: []SamplingMessage{{Role: "user", Content: ContentBlock{Type: "text", Text: "hi"}}},
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if result.Content.Text != "sampled: hi" || result.Model != "test-model" {
		t.Fatalf("result = %+v", result)
	}
}

// TestListChangedInvalidatesCache: a
// cached tools/list page is dropped once the server announces
// notifications/tools/list_changed, so the next call observes fresh data
// instead of the stale cached page.
func TestListChangedInvalidatesCache(t *testing.T) {
	client, srv := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	version := "v1"
	srv.OnListTools(func(ctx context.Context, p PageParams) (Page[Tool], error) {
		return Page[Tool]{Items: []Tool{{Name: version}}}, nil
	})

	page, err := client.ListTools(ctx, "")
	if err != nil || len(page.Items) != 1 || page.Items[0].Name != "v1" {
		t.Fatalf("first ListTools = %+v, err=%v", page, err)
	}

	version = "v2"
	if err := srv.NotifyToolListChanged(ctx); err != nil {
		t.Fatalf("NotifyToolListChanged: %v", err)
	}

	page, err = client.ListTools(ctx, "")
	if err != nil || len(page.Items) != 1 || page.Items[0].Name != "v2" {
		t.Fatalf("ListTools after list_changed = %+v, err=%v, want fresh v2 (cache not invalidated)", page, err)
	}
}
