// Package client is a Go client for the telescope server's packet protocol.
// It keeps one TCP connection open, reconnecting with a growing delay when
// the connection drops, and delivers every received packet on a channel.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("client: not connected")

// Options tunes a Client. Zero values select defaults.
type Options struct {
	// Nickname is sent after every (re)connect when non-empty.
	Nickname          string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxPacketSize     int
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 250 * time.Millisecond
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = 10 * time.Second
	}
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a reconnecting protocol client. Send is safe for concurrent use.
type Client struct {
	addr   string
	opts   Options
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader

	nextTx  atomic.Uint32
	packets chan *protocol.Packet
}

// Dial connects to addr. The returned client is connected but does not
// read until Run is called.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	c := &Client{
		addr:    addr,
		opts:    opts.withDefaults(),
		packets: make(chan *protocol.Packet, 64),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Packets delivers every packet received from the server. It is closed when
// Run returns.
func (c *Client) Packets() <-chan *protocol.Packet {
	return c.packets
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.mu.Unlock()

	if c.opts.Nickname != "" {
		if _, err := c.Send(protocol.ServiceSetNickname, []byte(c.opts.Nickname)); err != nil {
			return err
		}
	}
	return nil
}

// Send frames payload for service with a fresh transaction id and writes it.
func (c *Client) Send(service uint16, payload []byte) (uint16, error) {
	tx := c.transaction()
	return tx, c.SendPacket(protocol.NewPacket(service, tx, payload))
}

// SendPacket writes an already built packet.
func (c *Client) SendPacket(p *protocol.Packet) error {
	return c.WriteRaw(p.Bytes())
}

// WriteRaw writes b to the connection unchanged.
func (c *Client) WriteRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("writing to %s: %w", c.addr, err)
	}
	return nil
}

// transaction returns the next transaction id, never TransUndefined.
func (c *Client) transaction() uint16 {
	for {
		tx := uint16(c.nextTx.Add(1))
		if tx != protocol.TransUndefined {
			return tx
		}
	}
}

// Run reads packets until ctx is cancelled. When the connection drops it
// reconnects with a doubling delay capped at MaxReconnectDelay.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.packets)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	delay := c.opts.ReconnectDelay
	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.opts.Logger.Warn("dropped connection, attempting reconnect", "addr", c.addr, "error", err)
		c.drop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if err := c.connect(ctx); err != nil {
				delay = min(2*delay, c.opts.MaxReconnectDelay)
				c.opts.Logger.Debug("reconnect failed", "addr", c.addr, "error", err, "next", delay)
				continue
			}
			c.opts.Logger.Info("reconnected", "addr", c.addr)
			delay = c.opts.ReconnectDelay
			break
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	rd := c.rd
	c.mu.Unlock()
	if rd == nil {
		return ErrNotConnected
	}

	for {
		p, err := ReadPacket(rd, c.opts.MaxPacketSize)
		if err != nil {
			if errors.Is(err, protocol.ErrChecksum) {
				c.opts.Logger.Warn("discarding corrupt packet", "error", err)
				continue
			}
			return err
		}
		select {
		case c.packets <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drop closes the current connection, if any.
func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
}

// Close closes the current connection. A running Run reconnects unless its
// context is cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ReadPacket reads one frame from r. Frames declaring more than maxSize
// bytes are an error, since the stream cannot be resynchronized.
func ReadPacket(r *bufio.Reader, maxSize int) (*protocol.Packet, error) {
	head, err := r.Peek(protocol.HeaderSize)
	if err != nil {
		return nil, err
	}
	total, _ := protocol.PeekDeclaredSize(head)
	if (maxSize > 0 && total > int64(maxSize)) || total > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrTooLarge, total)
	}

	frame := make([]byte, total)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return protocol.ParsePacket(frame, 0)
}
