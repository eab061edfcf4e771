package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

// Transport is the byte stream a session reads packets from and writes
// packets to. Reads happen on the session's reader goroutine only; writes are
// serialized by the session's send-ordering lock.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// Dispatcher receives every validated packet. ProcessPacket returns true to
// request that the packet be dropped as an anomaly, in which case the sender
// is told through InvalidPacket.
type Dispatcher interface {
	ProcessPacket(ctx context.Context, p *protocol.Packet, priv protocol.Privilege, s *Session) (drop bool)
	InvalidPacket(s *Session, transaction uint16)
}

// connTransport adapts a net.Conn to Transport.
type connTransport struct {
	net.Conn
}

// NewConnTransport wraps a stream connection so it can be handed to
// Registry.Accept.
func NewConnTransport(conn net.Conn) Transport {
	return connTransport{Conn: conn}
}

func (t connTransport) RemoteAddr() string {
	if addr := t.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// nopDispatcher rejects every packet.
type nopDispatcher struct{}

func (nopDispatcher) ProcessPacket(context.Context, *protocol.Packet, protocol.Privilege, *Session) bool {
	return true
}

func (nopDispatcher) InvalidPacket(s *Session, transaction uint16) {
	_ = s.registry.SendTo(s, protocol.InvalidPacket(transaction))
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
