//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sharedPortSupported reports whether several UDP sockets may bind one port.
const sharedPortSupported = true

// reusePort lets the unicast socket and the broadcast socket of one node, and
// of nodes on other loopback aliases, share a UDP port.
func reusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
