// Package testhelpers provides common utilities for the telescope server's
// end-to-end tests.
//
// It starts real servers on loopback listeners, dials them over TCP or the
// WebSocket bridge and reads the packet stream back, so tests in
// test/integration can drive the whole system the way clients do.
package testhelpers

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gotelescope/internal/client"
	"github.com/Tyrowin/gotelescope/internal/dispatch"
	"github.com/Tyrowin/gotelescope/internal/protocol"
	"github.com/Tyrowin/gotelescope/internal/server"
)

// Timeout bounds every wait in the helpers.
const Timeout = 3 * time.Second

// TestOrigin is the origin sent by ConnectWebSocket and allowed by StartBridge.
const TestOrigin = "http://localhost:8080"

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// StartServer starts a server on a loopback port with a dispatcher backed
// by backend (nil for none). customize may adjust the configuration first.
// The server is shut down when the test ends.
func StartServer(t *testing.T, backend dispatch.Backend, customize func(cfg *server.Config)) *server.Server {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Port = "127.0.0.1:0"
	cfg.MaintenanceInterval = 10 * time.Millisecond
	if customize != nil {
		customize(cfg)
	}

	logger := DiscardLogger()
	srv := server.New(*cfg, dispatch.New(backend, cfg.AdminKey, logger), logger)
	if err := srv.Start(t.Context()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Shutdown(Timeout)
	})
	return srv
}

// StartBridge serves the WebSocket bridge routes of srv on an httptest
// server allowing TestOrigin.
func StartBridge(t *testing.T, srv *server.Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(server.SetupRoutes(srv.Registry(), []string{TestOrigin}))
	t.Cleanup(ts.Close)
	return ts
}

// WebSocketURL converts an http:// test server URL into its /ws endpoint.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL,
// presenting TestOrigin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header; an
// empty origin sends none. The handshake response is returned for
// inspection when the dial fails.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil && resp != nil {
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
	}
	return conn, err
}

// HandshakeError reports a refused WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// DialTCP opens a raw TCP connection to srv that is closed when the test ends.
func DialTCP(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), Timeout)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// WritePacket frames payload and writes it to w.
func WritePacket(t *testing.T, w io.Writer, service, tx uint16, payload []byte) {
	t.Helper()
	if _, err := w.Write(protocol.NewPacket(service, tx, payload).Bytes()); err != nil {
		t.Fatalf("Failed to write %s packet: %v", protocol.ServiceName(service), err)
	}
}

// WriteWSPacket frames payload and sends it as one binary message.
func WriteWSPacket(t *testing.T, conn *websocket.Conn, service, tx uint16, payload []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.NewPacket(service, tx, payload).Bytes()); err != nil {
		t.Fatalf("Failed to send %s packet: %v", protocol.ServiceName(service), err)
	}
}

// Stream reads packets from a server connection.
type Stream struct {
	rd          *bufio.Reader
	setDeadline func(time.Time) error
}

// NewTCPStream reads packets from a TCP connection.
func NewTCPStream(conn net.Conn) *Stream {
	return &Stream{rd: bufio.NewReader(conn), setDeadline: conn.SetReadDeadline}
}

// NewWSStream reads packets carried by a WebSocket connection's messages.
func NewWSStream(conn *websocket.Conn) *Stream {
	return &Stream{rd: bufio.NewReader(&wsReader{conn: conn}), setDeadline: conn.SetReadDeadline}
}

// wsReader concatenates the payloads of successive messages.
type wsReader struct {
	conn *websocket.Conn
	r    io.Reader
}

func (w *wsReader) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if errors.Is(err, io.EOF) {
			w.r = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// Next returns the next packet, failing the test on timeout or error.
func (s *Stream) Next(t *testing.T) *protocol.Packet {
	t.Helper()
	p, err := s.read()
	if err != nil {
		t.Fatalf("Failed to read packet: %v", err)
	}
	return p
}

func (s *Stream) read() (*protocol.Packet, error) {
	if err := s.setDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, err
	}
	return client.ReadPacket(s.rd, 0)
}

// Expect skips packets until one of service arrives.
func (s *Stream) Expect(t *testing.T, service uint16) *protocol.Packet {
	t.Helper()
	for {
		p := s.Next(t)
		if p.ServiceID == service {
			return p
		}
	}
}

// ExpectSystem skips packets until the system message text arrives.
func (s *Stream) ExpectSystem(t *testing.T, text string) {
	t.Helper()
	var seen []string
	for {
		p, err := s.read()
		if err != nil {
			t.Fatalf("Waiting for system message %q (seen %q): %v", text, seen, err)
		}
		if p.ServiceID != protocol.ServiceSystemMessage {
			continue
		}
		if string(p.Payload) == text {
			return
		}
		seen = append(seen, string(p.Payload))
	}
}

// ExpectAck skips packets until the acknowledgement of tx arrives.
func (s *Stream) ExpectAck(t *testing.T, tx uint16) (byte, string) {
	t.Helper()
	for {
		p := s.Expect(t, protocol.ServiceAck)
		if p.TransactionID != tx {
			continue
		}
		status, detail, err := protocol.DecodeAck(p.Payload)
		if err != nil {
			t.Fatalf("Malformed ack: %v", err)
		}
		return status, detail
	}
}

// ExpectClosed drains the stream and fails unless the server closes it
// before the timeout.
func (s *Stream) ExpectClosed(t *testing.T) {
	t.Helper()
	for {
		_, err := s.read()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("Connection was not closed by the server")
		}
		return
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	httpClient := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}
