package server

import "errors"

var (
	// ErrRegistryFull is returned by Accept when the connection ceiling is reached.
	ErrRegistryFull = errors.New("server: connection limit reached")
	// ErrRegistryClosed is returned by Accept once shutdown has begun.
	ErrRegistryClosed = errors.New("server: shutting down")
	// ErrSessionKicked is returned when sending to a session flagged for kick.
	ErrSessionKicked = errors.New("server: session is being kicked")
	// ErrSessionClosed is returned when sending to a session whose teardown began.
	ErrSessionClosed = errors.New("server: session closed")
	// ErrPoolSaturated is returned when a session has too many sends in flight.
	ErrPoolSaturated = errors.New("server: outbound pool saturated")
	// ErrNicknameInvalid is returned for empty, oversized or non-printable nicknames.
	ErrNicknameInvalid = errors.New("server: invalid nickname")
)
