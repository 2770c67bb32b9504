//go:build linux

package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen sets the listener-side socket options this proxy needs
// (address-reusable; close-on-exec is already the default for fds created
// through the net package). Called via net.ListenConfig.Control before
// bind(2).
func Listen(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}
