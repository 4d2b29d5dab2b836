package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrUnsupportedTransport is returned when no builder exists for a type.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrHandshakeTimeout marks a telephony handshake that did not complete in time.
	ErrHandshakeTimeout = errors.New("telephony handshake timed out")

	// ErrNoOffer is returned when webrtc is requested without an SDP offer.
	ErrNoOffer = errors.New("webrtc transport requires an SDP offer")

	// ErrNoConnection is returned when a streaming transport has no socket.
	ErrNoConnection = errors.New("transport requires a connection")

	// errSkip tells an adapter to drop a message the serializer does not map to a frame.
	errSkip = errors.New("message ignored")
)

// UnsupportedTransportError names the type that has no builder.
type UnsupportedTransportError struct {
	Type Type
}

func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnsupportedTransport, e.Type)
}

func (e *UnsupportedTransportError) Unwrap() error { return ErrUnsupportedTransport }

// HandshakeError reports the step at which the telephony handshake failed.
// Step is "connected" or "start".
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("telephony handshake failed at %q: %v", e.Step, e.Err)
}

// Unwrap exposes ErrHandshakeTimeout when the failure was a deadline.
func (e *HandshakeError) Unwrap() []error {
	if isTimeout(e.Err) {
		return []error{ErrHandshakeTimeout, e.Err}
	}
	return []error{e.Err}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
