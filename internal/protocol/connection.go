package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel receive failures. A worker distinguishes a routine timeout from a
// vanished peer solely through these.
var (
	// ErrTimeout is returned by Receive when no PDU arrived within the
	// given window.
	ErrTimeout = errors.New("protocol: receive timeout")

	// ErrEndOfStream is returned by Receive when the peer closed the
	// connection in an orderly way.
	ErrEndOfStream = errors.New("protocol: end of stream")
)

// TransportError wraps an abrupt connection failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("protocol: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Connection is the transport used by both the session worker and the
// client-side listener. The implementation must deliver whole PDUs; byte
// framing never leaks above this interface.
//
// Send must be safe for concurrent use: while the owning worker drives the
// lifecycle of a connection, any other worker may send events through it
// during fan-out.
type Connection interface {
	// Send transmits one PDU.
	Send(pdu *PDU) error

	// Receive blocks until the next PDU arrives or timeout elapses. It
	// fails with ErrTimeout on expiry, ErrEndOfStream on orderly close and
	// a *TransportError on abrupt disconnect. A timeout of zero or less
	// blocks indefinitely.
	Receive(timeout time.Duration) (*PDU, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
