package channel

import "errors"

// State is the lifecycle stage of a [Client].
type State int32

// Client states. Closed is terminal: a closed client is never reopened.
const (
	Idle State = iota
	Connecting
	Open
	Closed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// client's current state, e.g. Connect on a client that is not Idle.
	ErrInvalidState = errors.New("channel: invalid state")

	// ErrTransport wraps dial, read and write failures. A transport failure
	// always leaves the client Closed.
	ErrTransport = errors.New("channel: transport error")

	// ErrCaptureActive is returned by SendText while a capture session is
	// running and by RequestCapture when one already is.
	ErrCaptureActive = errors.New("channel: capture active")

	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("channel: empty text")
)
