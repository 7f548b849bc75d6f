//go:build !linux && !darwin

package ipc

import "net"

// Named pipes and other transports rely on endpoint permissions alone.
func peerUIDMatchesCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}
