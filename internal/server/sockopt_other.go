//go:build !linux

package server

import (
	"net"
	"syscall"
	"time"
)

func listenControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

func tuneKeepAlive(conn *net.TCPConn, idle time.Duration) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(idle)
}
