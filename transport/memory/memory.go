// Package memory implements transport.Transport as a pair of in-process
// FIFO queues, for tests and same-process client/server pairs.
package memory

import (
	"context"
	"sync"

	"github.com/fenwick-labs/mcprt/jsonrpc"
	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport is one end of an in-memory pair.
type Transport struct {
	out *queue
	in  *queue
}

// Pair returns two Transports wired so that Send on one delivers, in
// FIFO order, to Recv on the other. capacity <= 0 selects a default
// watermark of 256 messages before Send starts to block its caller;
// use a large capacity to approximate an unbounded queue.
func Pair(capacity int) (*Transport, *Transport) {
	if capacity <= 0 {
		capacity = 256
	}
	a := newQueue(capacity)
	b := newQueue(capacity)
	return &Transport{out: a, in: b}, &Transport{out: b, in: a}
}

// Send enqueues msg for the peer's Recv. Safe for concurrent callers.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	return t.out.push(ctx, msg)
}

// Recv dequeues the next message sent by the peer.
func (t *Transport) Recv(ctx context.Context) (jsonrpc.Message, error) {
	return t.in.pop(ctx)
}

// Close closes both the outbound queue (unblocking the peer's Recv with
// TransportClosed) and stops accepting further sends on it. Idempotent.
func (t *Transport) Close() error {
	t.out.close()
	return nil
}

// IsOpen reports whether this end can still send.
func (t *Transport) IsOpen() bool { return t.out.isOpen() }

// Len reports the number of messages currently buffered for the peer,
// the size watermark tests observe to assert backpressure.
func (t *Transport) Len() int { return t.out.len() }

// queue is a bounded multi-producer/single-consumer-safe FIFO (Send may
// be called from many goroutines; Recv from exactly one, per the
// Transport contract, though pop itself tolerates concurrent callers).
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []jsonrpc.Message
	cap    int
	closed bool
}

func newQueue(capacity int) *queue {
	q := &queue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(ctx context.Context, msg jsonrpc.Message) error {
	q.mu.Lock()
	for len(q.buf) >= q.cap && !q.closed {
		// Block the writer under backpressure; wake on space or close.
		// A context cancellation during the wait still needs to unblock
		// this goroutine, so we poll via a short-lived goroutine that
		// broadcasts on ctx.Done().
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
		q.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			q.mu.Unlock()
			return ctx.Err()
		}
	}
	if q.closed {
		q.mu.Unlock()
		return mcperr.ErrTransportClosed
	}
	q.buf = append(q.buf, msg)
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}

func (q *queue) pop(ctx context.Context) (jsonrpc.Message, error) {
	q.mu.Lock()
	for len(q.buf) == 0 && !q.closed {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
		q.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			q.mu.Unlock()
			return jsonrpc.Message{}, ctx.Err()
		}
	}
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return jsonrpc.Message{}, mcperr.ErrTransportClosed
	}
	msg := q.buf[0]
	q.buf = q.buf[1:]
	q.mu.Unlock()
	q.cond.Broadcast()
	return msg, nil
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) isOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
