package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

// ErrUnsupported is returned by backends for services they do not implement.
var ErrUnsupported = errors.New("dispatch: unsupported service")

// Backend executes hardware commands (antenna drive, spectrometer, power).
// Handle may return a response packet, which is sent to the requester as is;
// a nil response with a nil error is acknowledged with AckOK.
type Backend interface {
	Handle(ctx context.Context, p *protocol.Packet) (*protocol.Packet, error)
	// ReadOnly reports whether service may be used without control.
	ReadOnly(service uint16) bool
}

// NullBackend is used when no hardware is attached.
type NullBackend struct{}

// Handle rejects every command.
func (NullBackend) Handle(_ context.Context, p *protocol.Packet) (*protocol.Packet, error) {
	return nil, fmt.Errorf("%w: no backend for %s", ErrUnsupported, protocol.ServiceName(p.ServiceID))
}

// ReadOnly reports false for every service.
func (NullBackend) ReadOnly(uint16) bool { return false }
