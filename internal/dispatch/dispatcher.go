// Package dispatch is the server's packet dispatcher. It handles the
// built-in session services (nicknames, privilege requests, chat, ping) and
// forwards hardware services to a Backend.
package dispatch

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/Tyrowin/gotelescope/internal/protocol"
	"github.com/Tyrowin/gotelescope/internal/server"
)

// Dispatcher implements server.Dispatcher.
type Dispatcher struct {
	backend  Backend
	adminKey string
	logger   *slog.Logger
}

var _ server.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher forwarding hardware services to backend. A
// non-empty adminKey lets a session present it to escalate to full control
// without holding control first.
func New(backend Backend, adminKey string, logger *slog.Logger) *Dispatcher {
	if backend == nil {
		backend = NullBackend{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{backend: backend, adminKey: adminKey, logger: logger}
}

// ProcessPacket handles one validated packet. It requests a drop for
// service ids nobody understands.
func (d *Dispatcher) ProcessPacket(ctx context.Context, p *protocol.Packet, priv protocol.Privilege, s *server.Session) bool {
	reg := s.Registry()

	switch p.ServiceID {
	case protocol.ServiceSetNickname:
		if err := reg.SetNickname(s, string(p.Payload)); err != nil {
			d.reply(s, p, protocol.AckDenied, err.Error())
			return false
		}
		d.reply(s, p, protocol.AckOK, "")

	case protocol.ServiceRequestControl:
		d.replyGranted(s, p, reg.Reassign(s, protocol.PrivilegeControl))

	case protocol.ServiceRequestFull:
		if priv < protocol.PrivilegeControl && !d.validAdminKey(p.Payload) {
			_ = reg.DirectSystemMessage(s, "full control requires control or the admin key")
			d.reply(s, p, protocol.AckDenied, "insufficient privilege")
			return false
		}
		d.replyGranted(s, p, reg.Escalate(s))

	case protocol.ServiceReleaseControl:
		d.replyGranted(s, p, reg.Drop(s))

	case protocol.ServiceChat:
		if len(p.Payload) == 0 {
			return true
		}
		reg.BroadcastSystemMessage(s.Nickname() + ": " + string(p.Payload))

	case protocol.ServicePing:
		d.reply(s, p, protocol.AckOK, string(p.Payload))

	default:
		if p.ServiceID < protocol.ServiceBackendBase {
			d.logger.Info("unknown service", "service", protocol.ServiceName(p.ServiceID), "addr", s.RemoteAddr())
			return true
		}
		d.forward(ctx, p, priv, s)
	}
	return false
}

// InvalidPacket tells the sender that the packet with transaction was discarded.
func (d *Dispatcher) InvalidPacket(s *server.Session, transaction uint16) {
	if err := s.Registry().SendTo(s, protocol.InvalidPacket(transaction)); err != nil {
		d.logger.Debug("invalid packet notification not sent", "addr", s.RemoteAddr(), "error", err)
	}
}

func (d *Dispatcher) forward(ctx context.Context, p *protocol.Packet, priv protocol.Privilege, s *server.Session) {
	if priv < protocol.PrivilegeControl && !d.backend.ReadOnly(p.ServiceID) {
		d.reply(s, p, protocol.AckDenied, "insufficient privilege")
		return
	}

	resp, err := d.backend.Handle(ctx, p)
	switch {
	case errors.Is(err, ErrUnsupported):
		d.reply(s, p, protocol.AckUnsupported, err.Error())
	case err != nil:
		d.logger.Warn("backend command failed", "service", protocol.ServiceName(p.ServiceID), "error", err)
		d.reply(s, p, protocol.AckFailed, err.Error())
	case resp != nil:
		if err := s.Registry().SendTo(s, resp.Bytes()); err != nil {
			d.logger.Debug("backend response not sent", "addr", s.RemoteAddr(), "error", err)
		}
	default:
		d.reply(s, p, protocol.AckOK, "")
	}
}

func (d *Dispatcher) validAdminKey(payload []byte) bool {
	return d.adminKey != "" && subtle.ConstantTimeCompare(payload, []byte(d.adminKey)) == 1
}

func (d *Dispatcher) replyGranted(s *server.Session, p *protocol.Packet, granted bool) {
	if granted {
		d.reply(s, p, protocol.AckOK, "")
		return
	}
	d.reply(s, p, protocol.AckDenied, "privilege held by another session")
}

func (d *Dispatcher) reply(s *server.Session, p *protocol.Packet, status byte, detail string) {
	if err := s.Registry().SendTo(s, protocol.Ack(p.TransactionID, status, detail)); err != nil {
		d.logger.Debug("ack not sent", "addr", s.RemoteAddr(), "error", err)
	}
}
