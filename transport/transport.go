// Package transport defines the push transport the realtime hub subscribes
// through, and its concrete adapters: a managed channel over Redis pub/sub,
// a managed channel over the Phoenix WebSocket protocol, and a text event
// stream over HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is reported asynchronously through Handlers.OnStatus.
type Status int

const (
	StatusSubscribed Status = iota
	StatusClosed
	StatusChannelError
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusClosed:
		return "CLOSED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Message is a raw payload received from a transport. Managed channels set
// Category to the logical table; the event stream sets Name to the event
// name. Body is the undecoded payload.
type Message struct {
	Category   string
	Name       string
	Body       []byte
	ReceivedAt time.Time
}

// Handlers receive everything a Conn produces. OnMessage is invoked
// synchronously from the Conn's reader, so messages arrive in the order the
// transport emitted them. Neither handler may call Conn.Close.
type Handlers struct {
	OnMessage func(Message)
	OnStatus  func(Status, error)
}

func (h Handlers) message(m Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h Handlers) status(s Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(s, err)
	}
}

// Conn is a live transport resource.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string

	// Close releases the connection. It is safe to call more than once and
	// no handler runs after it returns.
	Close() error
}

// Transport opens connections. Open allocates resources and returns at once;
// the outcome of the connection attempt is reported through h.OnStatus.
type Transport interface {
	Name() string
	Open(ctx context.Context, h Handlers) (Conn, error)
}

// ErrTransport matches every *Error with errors.Is.
var ErrTransport = errors.New("transport error")

// Error wraps a connection-level failure.
type Error struct {
	Transport string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

func newError(transport, op string, err error) *Error {
	return &Error{Transport: transport, Op: op, Err: err}
}
