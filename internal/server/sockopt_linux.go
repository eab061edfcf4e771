//go:build linux

package server

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// listenControl enables SO_REUSEADDR so a restarted server can rebind while
// old connections linger in TIME_WAIT.
func listenControl(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// tuneKeepAlive turns on TCP keepalive probing so half-open peers surface as
// read errors: first probe after idle, then every idle/3, dropped after 3
// unanswered probes.
func tuneKeepAlive(conn *net.TCPConn, idle time.Duration) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	secs := max(int(idle/time.Second), 1)
	interval := max(secs/3, 1)

	var serr error
	err = raw.Control(func(fd uintptr) {
		opts := []struct{ level, name, value int }{
			{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
			{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs},
			{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, interval},
			{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3},
		}
		for _, o := range opts {
			if serr = unix.SetsockoptInt(int(fd), o.level, o.name, o.value); serr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return serr
}
