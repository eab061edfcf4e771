// Package server constructs and starts the telescope TCP service and its
// optional WebSocket bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server accepts TCP connections and hands them to a Registry.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry

	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New creates a server for cfg that dispatches packets to d.
func New(cfg Config, d Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Sanitize()
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(cfg, d, logger),
	}
}

// Registry returns the server's session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured port, starts the registry maintenance
// loop, the accept loop and, when configured, the WebSocket bridge.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Port, err)
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.registry.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	if s.cfg.WebSocket.Port != "" {
		s.http = CreateServer(s.cfg.WebSocket.Port, SetupRoutes(s.registry, s.cfg.WebSocket.AllowedOrigins))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := StartServer(s.http, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("websocket bridge stopped", "error", err)
			}
		}()
	}

	s.logger.Info("server listening", "addr", ln.Addr().String(), "websocket", s.cfg.WebSocket.Port)
	return nil
}

// acceptLoop accepts connections until the listener is closed. Temporary
// accept failures back off up to one second.
func (s *Server) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = min(max(2*delay, 5*time.Millisecond), time.Second)
			s.logger.Warn("accept failed; retrying", "error", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if tcp, ok := conn.(*net.TCPConn); ok && s.cfg.KeepAlive > 0 {
			if err := tuneKeepAlive(tcp, s.cfg.KeepAlive); err != nil {
				s.logger.Debug("configuring keepalive failed", "addr", conn.RemoteAddr().String(), "error", err)
			}
		}

		if _, err := s.registry.Accept(NewConnTransport(conn)); err != nil {
			s.logger.Info("connection rejected", "addr", conn.RemoteAddr().String(), "error", err)
		}
	}
}

// Shutdown closes the listener and the bridge, tears down every session and
// waits for the server's goroutines, or until timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("shutting down server")

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
	}
	if s.http != nil {
		if err := ShutdownServer(s.http, timeout, s.logger); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.registry.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
