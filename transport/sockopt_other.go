//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

func lowDelayControl(string, string, syscall.RawConn) error { return nil }
