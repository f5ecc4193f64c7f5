// Command mcprtdemo exercises the mcprt library end to end: it wires a
// Client and a Server together over an in-memory transport pair (or, with
// --stdio, speaks the server role over the process's own stdin/stdout so
// it can be driven by an external MCP host), registers one tool and one
// resource, and drives a handful of calls. It is a thin example binary,
// not part of the library's public contract.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenwick-labs/mcprt/mcp"
	"github.com/fenwick-labs/mcprt/transport/memory"
	"github.com/fenwick-labs/mcprt/transport/stdio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcprtdemo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	stdioMode := flag.Bool("stdio", false, "serve the demo tool catalog over stdin/stdout instead of looping back in-process")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *stdioMode {
		return runStdioServer(ctx, logger)
	}
	return runLoopback(ctx, logger)
}

func runStdioServer(ctx context.Context, logger *slog.Logger) error {
	t := stdio.New(os.Stdin, os.Stdout, nil, 0)
	cfg := mcp.DefaultEndpointConfig()
	cfg.Logger = logger
	srv := mcp.NewServer(mcp.ServerInfo{Name: "mcprtdemo", Version: "0.1.0"}, t, cfg)
	registerDemoHandlers(srv)
	return srv.Run(ctx)
}

// runLoopback wires a Client and Server over transport/memory and drives
// the initialize handshake, a tools/list, a tools/call, and a resource
// subscription so a reader can see the whole stack move one message at a
// time without an external peer.
func runLoopback(ctx context.Context, logger *slog.Logger) error {
	clientSide, serverSide := memory.Pair(0)

	serverCfg := mcp.DefaultEndpointConfig()
	serverCfg.Logger = logger
	srv := mcp.NewServer(mcp.ServerInfo{Name: "mcprtdemo", Version: "0.1.0"}, serverSide, serverCfg)
	registerDemoHandlers(srv)

	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Warn("server loop exited", "error", err)
		}
	}()

	clientCfg := mcp.DefaultEndpointConfig()
	clientCfg.Logger = logger
	client := mcp.NewClient(mcp.ClientInfo{Name: "mcprtdemo-client", Version: "0.1.0"}, clientSide, clientCfg)
	defer client.Close()

	initResult, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Printf("connected to %s %s (protocol %s)\n",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version, initResult.ProtocolVersion)

	tools, err := client.ListTools(ctx, "")
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	for _, tool := range tools.Items {
		fmt.Printf("tool: %s - %s\n", tool.Name, tool.Description)
	}

	result, err := client.CallTool(ctx, "echo", json.RawMessage(`{"message":"hello from mcprtdemo"}`))
	if err != nil {
		return fmt.Errorf("tools/call: %w", err)
	}
	for _, block := range result.Content {
		fmt.Println(block.Text)
	}

	updates, err := client.SubscribeResource(ctx, "demo://counter")
	if err != nil {
		return fmt.Errorf("resources/subscribe: %w", err)
	}
	if err := srv.NotifyResourceUpdated(ctx, "demo://counter"); err != nil {
		return fmt.Errorf("notify resource updated: %w", err)
	}
	select {
	case u := <-updates:
		fmt.Printf("resource updated: %s\n", u.URI)
	case <-ctx.Done():
		return ctx.Err()
	}

	return client.Close()
}

func registerDemoHandlers(srv *mcp.Server) {
	srv.OnListTools(func(ctx context.Context, params mcp.PageParams) (mcp.Page[mcp.Tool], error) {
		return mcp.Page[mcp.Tool]{
			Items: []mcp.Tool{{
				Name:        "echo",
				Description: "echoes back the message argument",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
			}},
		}, nil
	})

	srv.OnCallTool(func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
		if params.Name != "echo" {
			return mcp.CallToolResult{}, fmt.Errorf("unknown tool %q", params.Name)
		}
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("bad arguments: %w", err)
		}
		return mcp.CallToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "echo: " + args.Message}},
		}, nil
	})

	srv.OnListResources(func(ctx context.Context, params mcp.PageParams) (mcp.Page[mcp.Resource], error) {
		return mcp.Page[mcp.Resource]{
			Items: []mcp.Resource{{
				URI:      "demo://counter",
				Name:     "counter",
				MIMEType: "text/plain",
			}},
		}, nil
	})

	srv.OnReadResource(func(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
		if params.URI != "demo://counter" {
			return mcp.ReadResourceResult{}, fmt.Errorf("unknown resource %q", params.URI)
		}
		return mcp.ReadResourceResult{
			Contents: []mcp.ResourceContent{{URI: params.URI, MIMEType: "text/plain", Text: "0"}},
		}, nil
	})

	srv.OnSubscribeResource(func(ctx context.Context, uri string) error { return nil })
	srv.OnUnsubscribeResource(func(ctx context.Context, uri string) error { return nil })
}
