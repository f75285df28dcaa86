//go:build !unix

package transport

import "syscall"

// Without SO_REUSEADDR semantics a wildcard bind may steal unicast traffic
// from a specific one, so a node bound to one address does not open a
// separate broadcast socket.
const sharedPortSupported = false

func reusePort(_, _ string, _ syscall.RawConn) error {
	return nil
}
