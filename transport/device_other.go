//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import (
	"fmt"
	"os"
)

// openDevice cannot configure a raw serial line on this platform.
func openDevice(path string) (*os.File, error) {
	return nil, fmt.Errorf("%w: serial device %s", ErrUnsupported, path)
}
