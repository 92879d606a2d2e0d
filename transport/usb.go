package transport

import (
	"context"
	"fmt"
)

// usbDialer opens a character device. There is no automatic reconnect:
// device attach and detach are user-visible events and the user retries.
type usbDialer struct {
	path string
}

// NewUSB returns a channel that writes wire frames to the character
// device at path.
func NewUSB(path string, opts Options) *Channel {
	return newChannel(&usbDialer{path: path}, "usb-transport", opts)
}

func (d *usbDialer) dial(ctx context.Context) (endpoint, error) {
	if err := ctx.Err(); err != nil {
		return endpoint{}, err
	}
	f, err := openDevice(d.path)
	if err != nil {
		return endpoint{}, err
	}
	return endpoint{w: f, abort: f.Close}, nil
}

func (d *usbDialer) address() string { return "USB: " + d.path }

func (d *usbDialer) retry() bool { return false }

func (d *usbDialer) describe() string {
	return fmt.Sprintf("Opening USB device %s...", d.path)
}

func (d *usbDialer) dialFailed(err error) string {
	return fmt.Sprintf("Cannot open device at %s: %v", d.path, err)
}

func (d *usbDialer) linkLost(err error) string {
	return fmt.Sprintf("USB write error: %v", err)
}
