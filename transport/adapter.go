package transport

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned when you try to send on a transport that is
// not open yet, or has already been closed.
var ErrTransportClosed = errors.New("transport closed")

// ErrUnidirectional is returned by Send on a push-only transport.
// Outbound text must go through the degraded send path instead.
var ErrUnidirectional = errors.New("transport is receive-only")

// Kind identifies which tier of the fallback chain a transport belongs to.
type Kind int

const (
	KindNone      Kind = iota // no transport
	KindPrimary               // full-duplex push, preferred
	KindSecondary             // server push only, paired with the degraded send path
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindSecondary:
		return "secondary"
	default:
		return "none"
	}
}

// EventType is the closed set of things a transport can report.
type EventType int

const (
	EventOpened  EventType = iota // handshake completed
	EventMessage                  // one inbound payload
	EventErrored                  // open or read failed
	EventClosed                   // connection went away
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventErrored:
		return "errored"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectReason tells the connection layer why a transport closed.
// This feeds directly into the logs - you can see whether a transport
// dropped due to a network error or a clean close.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // handshake did not finish in time
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// Event is one asynchronous notification from a transport.
// Payload is set for EventMessage, Err for EventErrored,
// Reason for EventClosed and EventErrored.
type Event struct {
	Type    EventType
	Payload []byte
	Err     error
	Reason  DisconnectReason
}

// Opened, Message, Errored and Closed build the four event shapes.
func Opened() Event { return Event{Type: EventOpened} }

func Message(payload []byte) Event { return Event{Type: EventMessage, Payload: payload} }

func Errored(err error) Event {
	return Event{Type: EventErrored, Err: err, Reason: ReasonNetworkError}
}

func Closed(reason DisconnectReason) Event { return Event{Type: EventClosed, Reason: reason} }

// Emitter receives events from one transport instance, in the order the
// transport observed them. Dialers must never call it before Dial returns.
type Emitter func(Event)

// Target says who a transport connects as.
type Target struct {
	SessionID  string
	BindingKey string
}

// Handle is an open (or opening) transport instance.
// The connection layer only ever talks to this interface -
// it never imports websocket, sse, or anything concrete.
type Handle interface {
	// Send writes one outbound payload.
	// Returns ErrTransportClosed if the transport is not open,
	// ErrUnidirectional if it cannot send at all.
	Send(ctx context.Context, payload []byte) error

	// Close tears the transport down without waiting for the remote side.
	// Safe to call multiple times - subsequent calls are no-ops.
	// No events are emitted after Close returns.
	Close() error
}

// Dialer opens transports of one kind.
// Dial must not block on the network: it returns a Handle immediately and
// reports the outcome of the handshake later through emit.
type Dialer interface {
	Dial(target Target, emit Emitter) (Handle, error)
}
