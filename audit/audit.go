// Package audit provides an optional observability sink for the Router
// and Session layers. A Sink never sees request/notification payloads,
// only method names and timing/error metadata, so attaching one cannot
// leak request bodies.
package audit

import "time"

// Direction of the recorded event relative to this endpoint.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Kind of JSON-RPC traffic the record describes.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Record is one audit entry. DurationMS is set only for completed
// request/response pairs; zero otherwise.
type Record struct {
	Time       time.Time
	Direction  Direction
	Kind       Kind
	Method     string
	Id         string
	DurationMS int64
	Err        string
}

// Sink receives audit records. Implementations must not block the
// caller for long; Record is invoked synchronously from the Router's
// hot path.
type Sink interface {
	Record(Record)
}

// NopSink discards every record. It is the default when no sink is
// configured.
type NopSink struct{}

func (NopSink) Record(Record) {}

// ChanSink forwards records to a buffered channel, dropping records if
// the channel is full rather than blocking the router.
type ChanSink struct {
	ch chan Record
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Record, buffer)}
}

// Record implements Sink.
func (s *ChanSink) Record(r Record) {
	select {
	case s.ch <- r:
	default:
	}
}

// C returns the channel records are delivered on.
func (s *ChanSink) C() <-chan Record { return s.ch }
