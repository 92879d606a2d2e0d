package transport

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultDevicePrefixes match the serial devices a USB-gadget receiver
// shows up as on Linux and macOS.
var DefaultDevicePrefixes = []string{"ttyACM", "ttyUSB", "ttyGS", "cu.usbmodem", "tty.usbmodem", "cu.usbserial", "tty.usbserial"}

// ScanDevices lists entries of dir whose names start with one of the
// prefixes, as full paths in sorted order. A nil prefixes slice selects
// DefaultDevicePrefixes.
func ScanDevices(dir string, prefixes []string) ([]string, error) {
	if prefixes == nil {
		prefixes = DefaultDevicePrefixes
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				out = append(out, filepath.Join(dir, name))
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
