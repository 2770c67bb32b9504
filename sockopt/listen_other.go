//go:build !linux

package sockopt

import "syscall"

// Listen is a no-op on non-Linux platforms; net.ListenConfig's own defaults
// already cover address reuse closely enough for those targets.
func Listen(network, address string, c syscall.RawConn) error {
	return nil
}
