package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fenwick-labs/mcprt/auth"
	"github.com/fenwick-labs/mcprt/jsonrpc"
)

func TestSendReceivesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			<-r.Context().Done()
			return
		}
		w.Header().Set(sessionHeader, "sess-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, srv.URL)
	defer tr.Close()

	if err := tr.Send(ctx, jsonrpc.NewRequest(jsonrpc.NewIntId(1), "op", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, 2*time.Second)
	defer recvCancel()
	msg, err := tr.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Kind != jsonrpc.KindResponseOK {
		t.Fatalf("kind = %v, want ResponseOK", msg.Kind)
	}
	if tr.currentSessionID() != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", tr.currentSessionID())
	}
}

func TestSendReceivesSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, srv.URL)
	defer tr.Close()

	if err := tr.Send(ctx, jsonrpc.NewRequest(jsonrpc.NewIntId(1), "op", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvCtx, recvCancel := context.WithTimeout(ctx, 2*time.Second)
	defer recvCancel()
	if _, err := tr.Recv(recvCtx); err != nil {
		t.Fatalf("Recv: %v", err)
	}
}

func TestSendNotificationAcceptedNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, srv.URL)
	defer tr.Close()

	err := tr.Send(ctx, jsonrpc.NewNotification("notif", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendAppliesAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			<-r.Context().Done()
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, srv.URL, WithAuthProvider(auth.NewBearer("test", "tok-xyz")))
	defer tr.Close()

	if err := tr.Send(ctx, jsonrpc.NewRequest(jsonrpc.NewIntId(1), "op", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer tok-xyz" {
		t.Fatalf("Authorization header = %q", gotAuth)
	}
}

func TestSend401WithoutProviderReturnsChallengeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			<-r.Context().Done()
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, srv.URL)
	defer tr.Close()

	err := tr.Send(ctx, jsonrpc.NewRequest(jsonrpc.NewIntId(1), "op", nil))
	if err == nil || !strings.Contains(err.Error(), "auth challenge") {
		t.Fatalf("got %v, want an auth challenge error", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, srv.URL)

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tr.IsOpen() {
		t.Fatal("expected IsOpen false after Close")
	}
}
