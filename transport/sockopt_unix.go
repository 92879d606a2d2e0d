//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// iptosLowDelay is the IPTOS_LOWDELAY type-of-service value.
const iptosLowDelay = 0x10

// lowDelayControl marks outgoing IPv4 sockets low-delay. Failure is not
// fatal; the flag is a hint to routers on the path.
func lowDelayControl(network, _ string, c syscall.RawConn) error {
	if network != "tcp4" && network != "tcp" {
		return nil
	}
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, iptosLowDelay)
	})
}
