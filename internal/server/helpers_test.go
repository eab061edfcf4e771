package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

const testTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := *NewConfig()
	cfg.MaintenanceInterval = 10 * time.Millisecond
	cfg.RateLimit.Burst = 10000
	return cfg
}

// newTestRegistry starts a registry's maintenance loop and shuts it down
// when the test ends.
func newTestRegistry(t *testing.T, cfg Config, d Dispatcher) *Registry {
	t.Helper()
	reg := NewRegistry(cfg, d, discardLogger())
	go reg.Run(context.Background())
	t.Cleanup(func() {
		_ = reg.Shutdown(testTimeout)
	})
	return reg
}

// recordingDispatcher records dispatched packets and invalid notifications.
type recordingDispatcher struct {
	mu      sync.Mutex
	drop    func(*protocol.Packet) bool
	packets chan *protocol.Packet
	invalid chan uint16
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		packets: make(chan *protocol.Packet, 256),
		invalid: make(chan uint16, 256),
	}
}

func (d *recordingDispatcher) ProcessPacket(_ context.Context, p *protocol.Packet, _ protocol.Privilege, _ *Session) bool {
	d.mu.Lock()
	drop := d.drop
	d.mu.Unlock()

	d.packets <- p
	return drop != nil && drop(p)
}

func (d *recordingDispatcher) InvalidPacket(s *Session, transaction uint16) {
	d.invalid <- transaction
	_ = s.registry.SendTo(s, protocol.InvalidPacket(transaction))
}

// peer is the client end of an in-memory connection.
type peer struct {
	conn    net.Conn
	session *Session
	packets chan *protocol.Packet
}

// connect accepts an in-memory connection and continuously drains what the
// server writes to it.
func connect(t *testing.T, reg *Registry) *peer {
	t.Helper()
	p := connectSilent(t, reg)
	go p.drain()
	return p
}

// connectSilent accepts an in-memory connection whose client end never
// reads, so server writes block.
func connectSilent(t *testing.T, reg *Registry) *peer {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	s, err := reg.Accept(NewConnTransport(serverSide))
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSide.Close() })
	return &peer{conn: clientSide, session: s, packets: make(chan *protocol.Packet, 1024)}
}

func (p *peer) drain() {
	defer close(p.packets)
	for {
		pkt, err := readFrame(p.conn)
		if err != nil {
			return
		}
		p.packets <- pkt
	}
}

func readFrame(r io.Reader) (*protocol.Packet, error) {
	head := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	total, _ := protocol.PeekDeclaredSize(head)
	frame := make([]byte, total)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[protocol.HeaderSize:]); err != nil {
		return nil, err
	}
	return protocol.ParsePacket(frame, 0)
}

func (p *peer) write(t *testing.T, b []byte) {
	t.Helper()
	require.NoError(t, p.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	_, err := p.conn.Write(b)
	require.NoError(t, err)
}

// expect waits for the next packet of service, skipping others.
func (p *peer) expect(t *testing.T, service uint16) *protocol.Packet {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case pkt, ok := <-p.packets:
			require.True(t, ok, "connection closed while waiting for %s", protocol.ServiceName(service))
			if pkt.ServiceID == service {
				return pkt
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+protocol.ServiceName(service))
		}
	}
}

// expectSystem waits for a system message with exactly text.
func (p *peer) expectSystem(t *testing.T, text string) {
	t.Helper()
	timeout := time.After(testTimeout)
	var seen []string
	for {
		select {
		case pkt, ok := <-p.packets:
			require.True(t, ok, "connection closed while waiting for %q (seen %q)", text, seen)
			if pkt.ServiceID != protocol.ServiceSystemMessage {
				continue
			}
			if string(pkt.Payload) == text {
				return
			}
			seen = append(seen, string(pkt.Payload))
		case <-timeout:
			require.FailNowf(t, "timed out", "waiting for system message %q (seen %q)", text, seen)
		}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		require.FailNow(t, "session was not finalized")
	}
}
