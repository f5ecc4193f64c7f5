package framing

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fenwick-labs/mcprt/mcperr"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"jsonrpc":"2.0"}`),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`),
		[]byte(`{}`),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := Encode(&buf, p); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	got, err := DecodeAll(&buf)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(got) != len(payloads) {
		t.Fatalf("got %d frames, want %d", len(got), len(payloads))
	}
	for i, p := range payloads {
		if !bytes.Equal(got[i], p) {
			t.Errorf("frame %d = %q, want %q", i, got[i], p)
		}
	}
}

func TestDecodeSingleFrame(t *testing.T) {
	// A frame with no trailing newline after the body still decodes;
	// anything after the declared length belongs to the next frame.
	input := "Content-Length: 17\r\n\r\n{\"jsonrpc\":\"2.0\"}"
	dec := NewDecoder(strings.NewReader(input), 0)
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(msg) != `{"jsonrpc":"2.0"}` {
		t.Fatalf("got %q", msg)
	}
}

func TestIgnoresExtraHeaders(t *testing.T) {
	input := "X-Custom: ignore-me\r\nContent-Length: 2\r\n\r\n{}"
	dec := NewDecoder(strings.NewReader(input), 0)
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(msg) != "{}" {
		t.Fatalf("got %q", msg)
	}
}

func TestMissingContentLength(t *testing.T) {
	dec := NewDecoder(strings.NewReader("X-Foo: bar\r\n\r\n{}"), 0)
	_, err := dec.Next()
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *mcperr.FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("got %T, want *mcperr.FramingError", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	input := "Content-Length: 100\r\n\r\n" + strings.Repeat("a", 100)
	dec := NewDecoder(strings.NewReader(input), 10)
	_, err := dec.Next()
	if !errors.Is(err, mcperr.ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestPrematureEOF(t *testing.T) {
	input := "Content-Length: 10\r\n\r\nabc"
	dec := NewDecoder(strings.NewReader(input), 0)
	_, err := dec.Next()
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, io.EOF) {
		// Underlying ReadFull wraps io.ErrUnexpectedEOF; we only require
		// a FramingError, not a bare EOF, since the stream must be closed.
		t.Fatalf("expected wrapped FramingError, got bare EOF: %v", err)
	}
}

func TestCleanEOFBeforeAnyFrame(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""), 0)
	_, err := dec.Next()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}
