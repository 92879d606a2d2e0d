// Package transport moves framed H.264 units from the sender to a
// receiver over a USB serial device, a network link (TCP, SRT or QUIC),
// or both with USB preferred. Every transport reports connectivity through
// a status callback and human-readable progress through a log callback.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the receiver's well-known port.
const DefaultPort = 5900

// Defaults for Options.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultMeterWindow    = 5 * time.Second
	DefaultQueueDepth     = 8
	DefaultDialTimeout    = 10 * time.Second
)

var (
	// ErrInvalidMode is returned by New for an incomplete Mode.
	ErrInvalidMode = errors.New("transport: invalid mode")

	// ErrUnsupported is returned when the platform cannot drive a device.
	ErrUnsupported = errors.New("transport: unsupported on this platform")
)

// Transport is a connection-oriented, best-effort unit sink.
type Transport interface {
	// Connect starts connecting. It never blocks on I/O and cancels any
	// earlier attempt, connection, or pending reconnect.
	Connect()
	// Send frames and queues one unit. It is a no-op unless connected and
	// drops the unit when the send queue is full.
	Send(unit []byte)
	// Stop force-closes everything. It is idempotent.
	Stop()
	Stats() Stats
}

// Stats is a point-in-time view of a transport.
type Stats struct {
	BitrateMbps float64 `json:"bitrateMbps"`
	Address     string  `json:"address"`
	Connected   bool    `json:"connected"`
	QueueDrops  int64   `json:"queueDrops"`
}

// Status is delivered on every connectivity change.
type Status struct {
	Connected bool
	Address   string
}

// State is a channel's connection state.
type State int32

// Channel states. A channel moves idle → connecting → ready and from
// there to failed (error) or cancelled (Stop), then back to idle or
// connecting.
const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Kind selects the physical link.
type Kind int

// Link kinds.
const (
	KindUSB Kind = iota
	KindNetwork
	KindHybrid
)

func (k Kind) String() string {
	switch k {
	case KindUSB:
		return "usb"
	case KindNetwork:
		return "network"
	case KindHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseKind parses "usb", "network" or "hybrid" (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "usb":
		return KindUSB, nil
	case "network", "net", "tcp":
		return KindNetwork, nil
	case "hybrid":
		return KindHybrid, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidMode, s)
}

// Protocol selects the network protocol.
type Protocol string

// Network protocols.
const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolSRT  Protocol = "srt"
	ProtocolQUIC Protocol = "quic"
)

// Mode describes one connection attempt. It is immutable once built.
type Mode struct {
	Kind       Kind
	DevicePath string
	Host       string
	Port       int
	Protocol   Protocol
}

// USB returns a USB-only mode.
func USB(devicePath string) Mode {
	return Mode{Kind: KindUSB, DevicePath: devicePath}
}

// Network returns a TCP mode. A zero port selects DefaultPort.
func Network(host string, port int) Mode {
	return Mode{Kind: KindNetwork, Host: host, Port: port, Protocol: ProtocolTCP}
}

// Hybrid returns a mode that uses USB when available and the network
// otherwise.
func Hybrid(devicePath, host string, port int) Mode {
	return Mode{Kind: KindHybrid, DevicePath: devicePath, Host: host, Port: port, Protocol: ProtocolTCP}
}

// WithProtocol returns a copy of m using p for its network leg.
func (m Mode) WithProtocol(p Protocol) Mode {
	m.Protocol = p
	return m
}

// NetworkAddress returns "host:port" for the network leg.
func (m Mode) NetworkAddress() string {
	port := m.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.TrimSpace(m.Host), strconv.Itoa(port))
}

// Validate reports whether m names everything its kind needs.
func (m Mode) Validate() error {
	needUSB := m.Kind == KindUSB || m.Kind == KindHybrid
	needNet := m.Kind == KindNetwork || m.Kind == KindHybrid
	if m.Kind < KindUSB || m.Kind > KindHybrid {
		return fmt.Errorf("%w: kind %d", ErrInvalidMode, m.Kind)
	}
	if needUSB && strings.TrimSpace(m.DevicePath) == "" {
		return fmt.Errorf("%w: device path required", ErrInvalidMode)
	}
	if needNet {
		if strings.TrimSpace(m.Host) == "" {
			return fmt.Errorf("%w: host required", ErrInvalidMode)
		}
		if m.Port < 0 || m.Port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidMode, m.Port)
		}
		switch m.Protocol {
		case "", ProtocolTCP, ProtocolSRT, ProtocolQUIC:
		default:
			return fmt.Errorf("%w: protocol %q", ErrInvalidMode, m.Protocol)
		}
	}
	return nil
}

func (m Mode) String() string {
	switch m.Kind {
	case KindUSB:
		return "usb " + m.DevicePath
	case KindNetwork:
		return fmt.Sprintf("network %s/%s", m.protocol(), m.NetworkAddress())
	case KindHybrid:
		return fmt.Sprintf("hybrid %s + %s/%s", m.DevicePath, m.protocol(), m.NetworkAddress())
	}
	return "unknown"
}

func (m Mode) protocol() Protocol {
	if m.Protocol == "" {
		return ProtocolTCP
	}
	return m.Protocol
}

// Options tune a transport. Zero values select the defaults.
type Options struct {
	OnStatus func(Status)
	OnLog    func(string)
	Logger   *slog.Logger

	ReconnectDelay time.Duration
	MeterWindow    time.Duration
	QueueDepth     int
	DialTimeout    time.Duration

	// CertFingerprint pins the QUIC receiver's certificate (hex SHA-256).
	CertFingerprint string
	// StreamID is sent in the SRT handshake.
	StreamID string
}

func (o Options) withDefaults() Options {
	if o.OnStatus == nil {
		o.OnStatus = func(Status) {}
	}
	if o.OnLog == nil {
		o.OnLog = func(string) {}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MeterWindow <= 0 {
		o.MeterWindow = DefaultMeterWindow
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.StreamID == "" {
		o.StreamID = "live/deskextend"
	}
	return o
}

// New builds the transport for mode. The transport is idle until Connect.
func New(mode Mode, opts Options) (Transport, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	switch mode.Kind {
	case KindUSB:
		return NewUSB(mode.DevicePath, opts), nil
	case KindNetwork:
		return NewNetwork(mode, opts), nil
	default:
		return NewHybrid(mode, opts), nil
	}
}
