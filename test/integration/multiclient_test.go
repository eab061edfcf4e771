package integration

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gotelescope/internal/protocol"
	"github.com/Tyrowin/gotelescope/internal/server"
	"github.com/Tyrowin/gotelescope/test/testhelpers"
)

// TestTCPAndWebSocketShareSessions checks that bridge sessions and TCP
// sessions see each other's chat and presence.
func TestTCPAndWebSocketShareSessions(t *testing.T) {
	srv := testhelpers.StartServer(t, nil, nil)
	bridge := testhelpers.StartBridge(t, srv)

	tcpConn := testhelpers.DialTCP(t, srv)
	tcp := testhelpers.NewTCPStream(tcpConn)
	testhelpers.WritePacket(t, tcpConn, protocol.ServiceSetNickname, 1, []byte("green-bank"))
	tcp.ExpectAck(t, 1)

	wsConn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(bridge.URL))
	require.NoError(t, err)
	defer wsConn.Close()
	ws := testhelpers.NewWSStream(wsConn)

	testhelpers.WriteWSPacket(t, wsConn, protocol.ServiceSetNickname, 1, []byte("browser"))
	tcp.ExpectSystem(t, "browser joined")
	ws.ExpectAck(t, 1)

	testhelpers.WriteWSPacket(t, wsConn, protocol.ServiceChat, 2, []byte("hydrogen line looks clean"))
	tcp.ExpectSystem(t, "browser: hydrogen line looks clean")

	testhelpers.WritePacket(t, tcpConn, protocol.ServiceChat, 2, []byte("agreed"))
	ws.ExpectSystem(t, "green-bank: agreed")

	require.NoError(t, testhelpers.CloseWebSocket(wsConn))
	tcp.ExpectSystem(t, "browser disconnected")
}

// TestControlArbitrationAcrossClients walks control through several
// sessions and checks only one session ever holds it.
func TestControlArbitrationAcrossClients(t *testing.T) {
	srv := testhelpers.StartServer(t, nil, nil)
	bridge := testhelpers.StartBridge(t, srv)

	alphaConn := testhelpers.DialTCP(t, srv)
	alpha := testhelpers.NewTCPStream(alphaConn)
	testhelpers.WritePacket(t, alphaConn, protocol.ServiceSetNickname, 1, []byte("alpha"))
	alpha.ExpectAck(t, 1)

	bravoConn := testhelpers.DialTCP(t, srv)
	bravo := testhelpers.NewTCPStream(bravoConn)
	testhelpers.WritePacket(t, bravoConn, protocol.ServiceSetNickname, 1, []byte("bravo"))
	bravo.ExpectAck(t, 1)

	charlieConn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(bridge.URL))
	require.NoError(t, err)
	defer charlieConn.Close()
	charlie := testhelpers.NewWSStream(charlieConn)
	testhelpers.WriteWSPacket(t, charlieConn, protocol.ServiceSetNickname, 1, []byte("charlie"))
	charlie.ExpectAck(t, 1)

	// alpha connected first and holds control, so it may escalate.
	testhelpers.WritePacket(t, alphaConn, protocol.ServiceRequestFull, 2, nil)
	charlie.ExpectSystem(t, "alpha has full control")

	testhelpers.WritePacket(t, bravoConn, protocol.ServiceRequestControl, 2, nil)
	charlie.ExpectSystem(t, "bravo could not take control: alpha has full control")
	status, _ := bravo.ExpectAck(t, 2)
	assert.Equal(t, protocol.AckDenied, status)

	require.NoError(t, alphaConn.Close())
	charlie.ExpectSystem(t, "alpha disconnected")

	testhelpers.WriteWSPacket(t, charlieConn, protocol.ServiceRequestControl, 2, nil)
	bravo.ExpectSystem(t, "charlie has control")
	status, _ = charlie.ExpectAck(t, 2)
	assert.Equal(t, protocol.AckOK, status)

	controllers := 0
	for _, u := range srv.Registry().Users() {
		if u.Privilege >= protocol.PrivilegeControl {
			controllers++
			assert.Equal(t, "charlie", u.Nickname)
		}
	}
	assert.Equal(t, 1, controllers)
}

// TestBroadcastReachesEveryClientInOrder sends chat from several clients at
// once and checks each receiver sees every sender's messages in order.
func TestBroadcastReachesEveryClientInOrder(t *testing.T) {
	const (
		numClients  = 5
		numMessages = 20
	)
	srv := testhelpers.StartServer(t, nil, func(cfg *server.Config) {
		cfg.PoolSize = 1024
	})

	conns := make([]net.Conn, numClients)
	streams := make([]*testhelpers.Stream, numClients)
	for i := range numClients {
		conns[i] = testhelpers.DialTCP(t, srv)
		streams[i] = testhelpers.NewTCPStream(conns[i])
		testhelpers.WritePacket(t, conns[i], protocol.ServiceSetNickname, 1, fmt.Appendf(nil, "dish%d", i))
		streams[i].ExpectAck(t, 1)
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range numMessages {
				_, _ = conn.Write(protocol.NewPacket(protocol.ServiceChat, uint16(n+2), fmt.Appendf(nil, "%d-%d", i, n)).Bytes())
			}
		}()
	}

	for r, stream := range streams {
		next := make([]int, numClients)
		for received := 0; received < numClients*numMessages; {
			p := stream.Expect(t, protocol.ServiceSystemMessage)
			var sender, seq int
			if _, err := fmt.Sscanf(string(p.Payload), "dish%d: %d-%d", new(int), &sender, &seq); err != nil {
				continue
			}
			require.Equal(t, next[sender], seq, "receiver %d, sender %d", r, sender)
			next[sender]++
			received++
		}
	}
	wg.Wait()
}
