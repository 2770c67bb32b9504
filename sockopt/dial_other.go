//go:build !linux

package sockopt

import "syscall"

// Dial is a no-op on non-Linux platforms. The Linux-specific version in
// dial_linux.go sets TCP_NODELAY and keepalive tuning.
func Dial(network, address string, c syscall.RawConn) error {
	return nil
}
