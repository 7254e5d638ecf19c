package radius

import (
	"errors"
	"fmt"
)

// Protocol errors
var (
	ErrMalformedPacket    = errors.New("malformed RADIUS packet")
	ErrShortPacket        = fmt.Errorf("%w: shorter than header", ErrMalformedPacket)
	ErrMalformedAttribute = fmt.Errorf("%w: bad attribute length", ErrMalformedPacket)
	ErrEncode             = errors.New("attribute encode error")

	// ErrAuthenticatorMismatch means the response was not signed with our
	// shared secret. Never retried.
	ErrAuthenticatorMismatch = errors.New("response authenticator mismatch")
)

// Transport errors
var (
	ErrTimeout     = errors.New("RADIUS request timed out")
	ErrUnreachable = errors.New("RADIUS server unreachable")
)

// Client errors
var (
	ErrAccessRejected     = errors.New("access rejected")
	ErrCoaNotAcknowledged = errors.New("CoA not acknowledged")
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
)

// IsUnreachable reports whether err means no usable answer came back from
// the server, either because every attempt timed out or the socket failed.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}
