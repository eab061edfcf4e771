// Package server exposes HTTP handlers: the WebSocket bridge, health checks
// and the connected-user listing.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

type bridgeHandler struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// SetupRoutes configures and returns an HTTP ServeMux with the bridge routes:
// health check, WebSocket endpoint and user listing. Upgrades are accepted
// from allowedOrigins only; "*" allows any origin.
func SetupRoutes(registry *Registry, allowedOrigins []string) *http.ServeMux {
	origins := newOriginPolicy(allowedOrigins, registry.logger)
	h := &bridgeHandler{
		registry: registry,
		logger:   registry.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.checkOrigin,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("/users", h.UsersHandler)
	return mux
}

// WebSocketHandler upgrades GET requests to WebSocket and registers the
// connection as a session carrying the binary packet stream.
func (h *bridgeHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(int64(h.registry.cfg.MaxPacketSize) * 4)

	if _, err := h.registry.Accept(newWSTransport(conn, r.RemoteAddr, h.logger)); err != nil {
		h.logger.Info("websocket connection rejected", "addr", r.RemoteAddr, "error", err)
	}
}

// UsersHandler returns the connected users as JSON.
func (h *bridgeHandler) UsersHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registry.Users()); err != nil {
		h.logger.Error("writing user list response failed", "error", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Telescope server is running!")
}
