// Package server manages individual telescope client sessions: their
// identity, privilege, inbound packet handling and lifecycle state.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

// Session is the server-side state of one client connection.
//
// privilege, nickname and isNew are guarded by the registry lock. The
// transport is written only under sendMu and read only by the reader
// goroutine. refs counts the reader plus every in-flight delivery job; the
// session is finalized when it drops to zero.
type Session struct {
	id        uuid.UUID
	registry  *Registry
	transport Transport
	addr      string
	logger    *slog.Logger

	in      *demuxer
	limiter *rateLimiter

	privilege protocol.Privilege
	nickname  string
	isNew     bool

	pendingKick atomic.Bool
	closing     atomic.Bool
	refs        atomic.Int32

	sendMu sync.Mutex
	pool   *deliveryPool

	ctx    context.Context
	cancel context.CancelFunc

	beginOnce    sync.Once
	finalizeOnce sync.Once
	done         chan struct{}
}

func newSession(r *Registry, t Transport) *Session {
	ctx, cancel := context.WithCancel(r.ctx)
	addr := t.RemoteAddr()
	id := uuid.New()

	s := &Session{
		id:        id,
		registry:  r,
		transport: t,
		addr:      addr,
		nickname:  defaultNickname(addr),
		isNew:     true,
		limiter:   newRateLimiter(r.cfg.RateLimit),
		pool:      newDeliveryPool(r.cfg.PoolSize, r.cfg.PoolWorkers),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.logger = r.logger.With("session", id.String(), "addr", addr)
	s.in = newDemuxer(t, s, r.cfg.BufferSize, r.cfg.MaxPacketSize)
	s.refs.Store(1)
	return s
}

// defaultNickname derives a placeholder nickname from the peer's host.
func defaultNickname(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// RemoteAddr returns the peer address reported by the transport.
func (s *Session) RemoteAddr() string { return s.addr }

// Registry returns the registry the session belongs to.
func (s *Session) Registry() *Registry { return s.registry }

// Context is cancelled when teardown of the session begins.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// Kicked reports whether the session is flagged to be dropped.
func (s *Session) Kicked() bool { return s.pendingKick.Load() }

// Kick flags the session to be dropped at the next broadcast or maintenance pass.
func (s *Session) Kick() { s.pendingKick.Store(true) }

// Nickname returns the session's current nickname.
func (s *Session) Nickname() string {
	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()
	return s.nickname
}

// Privilege returns the session's current privilege.
func (s *Session) Privilege() protocol.Privilege {
	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()
	return s.privilege
}

// acquire takes a reference on the transport. It fails once teardown began
// or the count already reached zero.
func (s *Session) acquire() bool {
	for {
		if s.closing.Load() {
			return false
		}
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops n references and schedules finalization when the last one
// goes. Finalization runs on its own goroutine so release is safe to call
// while holding the registry lock.
func (s *Session) release(n int) {
	if n <= 0 {
		return
	}
	if s.refs.Add(-int32(n)) == 0 {
		go s.registry.finalize(s)
	}
}

// readLoop runs the demultiplexer until the stream ends, then starts
// teardown and gives up the reader's reference.
func (s *Session) readLoop() {
	defer s.release(1)

	err := s.in.run(s.ctx)
	if isExpectedCloseError(err) {
		s.logger.Debug("session stream closed", "reason", err)
	} else {
		s.logger.Warn("session read failed", "error", err)
	}
	s.registry.BeginTeardown(s)
}

func (s *Session) handlePacket(p *protocol.Packet) bool {
	if !s.limiter.allow() {
		s.logger.Warn("rate limit exceeded; discarding packet",
			"service", protocol.ServiceName(p.ServiceID), "transaction", p.TransactionID)
		return true
	}
	s.logger.Debug("packet received",
		"service", protocol.ServiceName(p.ServiceID), "transaction", p.TransactionID, "length", p.PayloadLength)
	return s.registry.dispatcher.ProcessPacket(s.ctx, p, s.Privilege(), s)
}

func (s *Session) handleInvalid(transaction uint16) {
	s.logger.Info("invalid packet discarded", "transaction", transaction)
	s.registry.dispatcher.InvalidPacket(s, transaction)
}

func (s *Session) handleOversize(head []byte) {
	h := protocol.DecodeHeader(head)
	s.logger.Warn("oversized packet rejected",
		"service", protocol.ServiceName(h.ServiceID), "declared", h.PayloadLength, "max", s.registry.cfg.MaxPacketSize)
	if err := s.registry.SendTo(s, head); err != nil {
		s.logger.Debug("echo of oversized packet failed", "error", err)
	}
	s.handleInvalid(h.TransactionID)
}
