// Package framing implements the Content-Length message envelope used by
// the stdio transport: each message is preceded by
// "Content-Length: <N>\r\n\r\n" followed by exactly N bytes of payload.
package framing

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fenwick-labs/mcprt/mcperr"
)

// DefaultMaxFrameSize is the default ceiling on a single frame's declared
// Content-Length.
const DefaultMaxFrameSize = 64 * 1024 * 1024

// Encode writes payload to w as one Content-Length-framed message.
func Encode(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return &mcperr.TransportError{Op: "write frame header", Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		return &mcperr.TransportError{Op: "write frame body", Err: err}
	}
	return nil
}

// Decoder reads a sequence of Content-Length-framed messages from an
// underlying reader.
type Decoder struct {
	r            *bufio.Reader
	maxFrameSize int
}

// NewDecoder wraps r. A maxFrameSize of 0 selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, maxFrameSize: maxFrameSize}
}

// Next reads one framed message and returns its payload. Headers other
// than Content-Length are parsed and ignored. Returns io.EOF if the
// stream ends cleanly before any header line; any other malformed input
// or premature EOF returns a *mcperr.FramingError.
func (d *Decoder) Next() ([]byte, error) {
	length := -1

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && length == -1 {
				return nil, io.EOF
			}
			return nil, &mcperr.FramingError{Detail: "reading header: " + err.Error()}
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			// Blank line terminates the header block.
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &mcperr.FramingError{Detail: "malformed header line: " + line}
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if strings.EqualFold(name, "Content-Length") {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, &mcperr.FramingError{Detail: "invalid Content-Length: " + value}
			}
			length = n
		}
		// Any other header is tolerated and discarded.
	}

	if length < 0 {
		return nil, &mcperr.FramingError{Detail: "missing Content-Length header"}
	}
	if length > d.maxFrameSize {
		return nil, &mcperr.FrameTooLargeError{Declared: length, Max: d.maxFrameSize}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, &mcperr.FramingError{Detail: "reading body: " + err.Error()}
	}
	return buf, nil
}

// DecodeAll reads every frame in r until EOF, for tests and small fixtures.
func DecodeAll(r io.Reader) ([][]byte, error) {
	dec := NewDecoder(r, 0)
	var out [][]byte
	for {
		msg, err := dec.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

// EncodeToBytes is a convenience used by tests to build a framed buffer.
func EncodeToBytes(payloads ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		_ = Encode(&buf, p)
	}
	return buf.Bytes()
}
