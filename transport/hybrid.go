package transport

import (
	"log/slog"
	"sync"
)

// HybridTransport drives a USB channel and a network channel at once. It
// is connected while either leg is, sends over USB whenever USB is up,
// and falls back to the network otherwise.
type HybridTransport struct {
	log  *slog.Logger
	opts Options
	usb  *Channel
	net  *Channel

	// mu serializes aggregate status emission.
	mu   sync.Mutex
	up   map[string]bool
	last Status
}

// NewHybrid returns a hybrid transport for mode.
func NewHybrid(mode Mode, opts Options) *HybridTransport {
	opts = opts.withDefaults()
	h := &HybridTransport{
		log:  opts.Logger.With("component", "hybrid-transport"),
		opts: opts,
		up:   make(map[string]bool, 2),
	}
	usbOpts := opts
	usbOpts.OnStatus = func(s Status) { h.legChanged("USB", s) }
	netOpts := opts
	netOpts.OnStatus = func(s Status) { h.legChanged("Network", s) }
	h.usb = NewUSB(mode.DevicePath, usbOpts)
	h.net = NewNetwork(mode, netOpts)
	return h
}

// Connect starts both legs.
func (h *HybridTransport) Connect() {
	h.usb.Connect()
	h.net.Connect()
}

// Send uses USB when it is ready, else the network.
func (h *HybridTransport) Send(unit []byte) {
	if h.usb.active.Load() != nil {
		h.usb.Send(unit)
		return
	}
	h.net.Send(unit)
}

// Stop stops both legs.
func (h *HybridTransport) Stop() {
	h.usb.Stop()
	h.net.Stop()
}

// Stats reports USB's address while USB is up, else the network's, and
// the higher of the two bitrates.
func (h *HybridTransport) Stats() Stats {
	u, n := h.usb.Stats(), h.net.Stats()
	s := Stats{
		BitrateMbps: max(u.BitrateMbps, n.BitrateMbps),
		Connected:   u.Connected || n.Connected,
		Address:     n.Address,
		QueueDrops:  u.QueueDrops + n.QueueDrops,
	}
	if u.Connected {
		s.Address = u.Address
	}
	return s
}

// State is ready when either leg is ready; otherwise the network leg's
// state, since only it retries.
func (h *HybridTransport) State() State {
	us, ns := h.usb.State(), h.net.State()
	if us == StateReady || ns == StateReady {
		return StateReady
	}
	return ns
}

func (h *HybridTransport) aggregate() Status {
	var s Status
	switch {
	case h.usb.active.Load() != nil:
		s = Status{Connected: true, Address: h.usb.d.address()}
	case h.net.active.Load() != nil:
		s = Status{Connected: true, Address: h.net.d.address()}
	}
	return s
}

func (h *HybridTransport) legChanged(leg string, s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.up[leg] != s.Connected {
		h.up[leg] = s.Connected
		if s.Connected {
			h.opts.OnLog(leg + " connected")
		} else {
			h.opts.OnLog(leg + " disconnected")
		}
	}

	agg := h.aggregate()
	if agg == h.last {
		return
	}
	h.last = agg
	h.log.Info("active link changed", "leg", leg, "connected", agg.Connected, "address", agg.Address)
	h.opts.OnStatus(agg)
}
