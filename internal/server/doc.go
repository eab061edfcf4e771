// Package server implements the session layer of the telescope control
// server: the TCP acceptor, the per-connection stream demultiplexer, the
// bounded outbound delivery pool, the connection registry with its privilege
// arbitration, and the two-phase teardown of connections.
//
// The implementation is organized into specialized files for configuration,
// sessions, the registry, delivery, teardown and the HTTP/WebSocket bridge to
// keep each concern small and testable.
package server
