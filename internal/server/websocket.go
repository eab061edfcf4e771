// Package server bridges WebSocket connections onto the packet stream so
// browser-based consoles can join the same sessions as TCP clients.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

// wsTransport presents a WebSocket connection as a byte stream. Each binary
// or text message contributes its bytes to the stream in order; packets may
// span messages. Writes send one binary message per call.
type wsTransport struct {
	conn   *websocket.Conn
	addr   string
	logger *slog.Logger

	r io.Reader

	closeOnce sync.Once
	stop      chan struct{}
}

func newWSTransport(conn *websocket.Conn, addr string, logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		addr:   addr,
		logger: logger,
		stop:   make(chan struct{}),
	}
	t.setupReadConnection()
	go t.pingLoop()
	return t
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (t *wsTransport) setupReadConnection() {
	if err := t.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		t.logger.Debug("setting initial read deadline failed", "addr", t.addr, "error", err)
	}
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}

// pingLoop keeps the connection alive. WriteControl may run concurrently
// with the data writes serialized by the session.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				if !isExpectedCloseError(err) {
					t.logger.Debug("writing ping failed", "addr", t.addr, "error", err)
				}
				return
			}
		}
	}
}

func (t *wsTransport) Read(p []byte) (int, error) {
	for {
		if t.r == nil {
			_, r, err := t.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			t.r = r
		}

		n, err := t.r.Read(p)
		if errors.Is(err, io.EOF) {
			t.r = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (t *wsTransport) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return 0, err
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.addr
}
