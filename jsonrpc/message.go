// Package jsonrpc implements the JSON-RPC 2.0 message shapes and the
// connection-level router (C4 in the design): request/response
// correlation, notification dispatch, and cancellation, independent of
// any particular transport.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fenwick-labs/mcprt/mcperr"
)

// Version is the only JSON-RPC version this module speaks.
const Version = "2.0"

// Id is a JSON-RPC request identifier: either an integer or a string.
// It is a plain comparable struct so it can be used directly as a map
// key in the Router's pending table.
type Id struct {
	num   int64
	str   string
	isStr bool
	isSet bool
}

// NewIntId builds an integer Id.
func NewIntId(n int64) Id { return Id{num: n, isSet: true} }

// NewStringId builds a string Id.
func NewStringId(s string) Id { return Id{str: s, isStr: true, isSet: true} }

// IsZero reports whether this Id was never set (the zero value).
func (id Id) IsZero() bool { return !id.isSet }

// String renders the Id for logging.
func (id Id) String() string {
	if !id.isSet {
		return "<none>"
	}
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON renders the Id as a JSON number or string.
func (id Id) MarshalJSON() ([]byte, error) {
	if !id.isSet {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON accepts a JSON number or string id.
func (id *Id) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*id = Id{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringId(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("jsonrpc: id must be a number or string: %w", err)
	}
	*id = NewIntId(n)
	return nil
}

// Kind classifies a decoded Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponseOK
	KindResponseErr
	KindNotification
)

// Message is a JSON-RPC 2.0 message in any of the four wire shapes.
// Exactly one of the field groups is meaningful, selected by Kind.
type Message struct {
	Kind Kind

	// Request and Notification share Method/Params; Id is empty for
	// notifications.
	Id     Id
	Method string
	Params json.RawMessage

	// Response-OK / Response-Err.
	Result json.RawMessage
	Error  *mcperr.RPCError
}

// NewRequest builds a request Message.
func NewRequest(id Id, method string, params json.RawMessage) Message {
	return Message{Kind: KindRequest, Id: id, Method: method, Params: params}
}

// NewNotification builds a notification Message (no id).
func NewNotification(method string, params json.RawMessage) Message {
	return Message{Kind: KindNotification, Method: method, Params: params}
}

// NewResult builds a successful response Message.
func NewResult(id Id, result json.RawMessage) Message {
	return Message{Kind: KindResponseOK, Id: id, Result: result}
}

// NewError builds an error response Message.
func NewError(id Id, rpcErr *mcperr.RPCError) Message {
	return Message{Kind: KindResponseErr, Id: id, Error: rpcErr}
}

// wireMessage is the flat on-the-wire JSON shape shared by all four
// message kinds; Kind is recovered from which fields are present.
type wireMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	Id      *Id              `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *mcperr.RPCError `json:"error,omitempty"`
}

// MarshalJSON renders m in the flat JSON-RPC 2.0 wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{JSONRPC: Version}
	switch m.Kind {
	case KindRequest:
		id := m.Id
		w.Id = &id
		w.Method = m.Method
		w.Params = m.Params
	case KindNotification:
		w.Method = m.Method
		w.Params = m.Params
	case KindResponseOK:
		id := m.Id
		w.Id = &id
		w.Result = m.Result
		if w.Result == nil {
			w.Result = json.RawMessage("null")
		}
	case KindResponseErr:
		id := m.Id
		w.Id = &id
		w.Error = m.Error
	default:
		return nil, errors.New("jsonrpc: cannot marshal a Message with no Kind")
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses a flat JSON-RPC 2.0 message and classifies it.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return &mcperr.ProtocolError{Detail: "invalid JSON-RPC envelope: " + err.Error()}
	}

	switch {
	case w.Method != "" && w.Id != nil:
		*m = Message{Kind: KindRequest, Id: *w.Id, Method: w.Method, Params: w.Params}
	case w.Method != "":
		*m = Message{Kind: KindNotification, Method: w.Method, Params: w.Params}
	case w.Error != nil:
		if w.Id == nil {
			return &mcperr.ProtocolError{Detail: "error response missing id"}
		}
		*m = Message{Kind: KindResponseErr, Id: *w.Id, Error: w.Error}
	case w.Id != nil:
		*m = Message{Kind: KindResponseOK, Id: *w.Id, Result: w.Result}
	default:
		return &mcperr.ProtocolError{Detail: "message is neither request, response, nor notification"}
	}
	return nil
}
