// Package stdio implements transport.Transport over a pair of byte
// streams framed with Content-Length headers. It takes any
// io.Reader/io.Writer pair, so the same code serves a child process's
// pipes and os.Stdin/os.Stdout directly.
package stdio

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/fenwick-labs/mcprt/framing"
	"github.com/fenwick-labs/mcprt/jsonrpc"
	"github.com/fenwick-labs/mcprt/mcperr"
	"github.com/fenwick-labs/mcprt/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport frames jsonrpc.Messages over an underlying byte stream pair.
type Transport struct {
	w io.Writer
	r *framing.Decoder
	c io.Closer

	writeMu sync.Mutex // serializes Send so frames never interleave

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps r with Content-Length framing for Recv and w for Send.
// closer, if non-nil, is invoked once by Close (e.g. to close the
// underlying pipes or wait on a subprocess). A single
// writeMu serializes Send so that two concurrent callers' frames are
// never interleaved on the wire.
func New(r io.Reader, w io.Writer, closer io.Closer, maxFrameSize int) *Transport {
	if maxFrameSize <= 0 {
		maxFrameSize = framing.DefaultMaxFrameSize
	}
	return &Transport{
		w:      w,
		r:      framing.NewDecoder(r, maxFrameSize),
		c:      closer,
		closed: make(chan struct{}),
	}
}

// Send serializes msg and writes one Content-Length-framed payload.
// Concurrent Send calls are safe; the write itself is not cancellable
// mid-flight by ctx (matching io.Writer's contract), but ctx is checked
// before acquiring the write lock so a caller racing a Close sees
// TransportClosed promptly instead of blocking on a dead pipe.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.closed:
		return mcperr.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	payload, err := msg.MarshalJSON()
	if err != nil {
		return &mcperr.TransportError{Op: "marshal", Err: err}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return mcperr.ErrTransportClosed
	default:
	}

	if err := framing.Encode(t.w, payload); err != nil {
		return err
	}
	return nil
}

// Recv blocks for the next complete frame and decodes it. Only one
// goroutine should call Recv at a time (the Router's read loop), per the
// Transport contract; framing.Decoder itself keeps no internal
// concurrency guarantees beyond that.
//
// After Close, any frame the decoder already holds complete in its
// buffer is still drained and returned before Recv starts reporting
// TransportClosed.
func (t *Transport) Recv(ctx context.Context) (jsonrpc.Message, error) {
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := t.r.Next()
		ch <- result{payload: p, err: err}
	}()

	select {
	case res := <-ch:
		return t.decodeResult(res.payload, res.err)
	case <-t.closed:
		// Give a frame that was already buffered a chance to finish
		// decoding; a read blocked on a dead pipe falls through.
		select {
		case res := <-ch:
			if res.err == nil {
				return t.decodeResult(res.payload, nil)
			}
		case <-time.After(10 * time.Millisecond):
		}
		return jsonrpc.Message{}, mcperr.ErrTransportClosed
	case <-ctx.Done():
		return jsonrpc.Message{}, ctx.Err()
	}
}

func (t *Transport) decodeResult(payload []byte, err error) (jsonrpc.Message, error) {
	if err != nil {
		if err == io.EOF {
			return jsonrpc.Message{}, mcperr.ErrTransportClosed
		}
		return jsonrpc.Message{}, err
	}
	var msg jsonrpc.Message
	if uErr := msg.UnmarshalJSON(payload); uErr != nil {
		return jsonrpc.Message{}, uErr
	}
	return msg, nil
}

// Close marks the transport closed and closes the wrapped closer, if
// any. Idempotent. Any Recv goroutine blocked on a pipe read that never
// unblocks (e.g. a wedged subprocess) is left to the closer to
// terminate.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.c != nil {
			err = t.c.Close()
		}
	})
	return err
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
