// Package transport defines the Transport capability set shared by the
// stdio, in-memory, and HTTP carriers, and re-exports the
// jsonrpc.Message type transports exchange.
package transport

import (
	"context"

	"github.com/fenwick-labs/mcprt/jsonrpc"
)

// Message is the unit a Transport sends and receives.
type Message = jsonrpc.Message

// Transport is the capability set every carrier implements. Send must be safe for concurrent callers;
// Recv is called from exactly one goroutine (the Router's read loop).
// Close is idempotent.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
	IsOpen() bool
}
