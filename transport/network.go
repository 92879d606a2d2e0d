package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	srtgo "github.com/zsiec/srtgo"

	"github.com/bbarni2020/deskextend/certs"
)

const (
	tcpKeepAlive = 2 * time.Second

	// srtPayloadSize is the live-mode message size. Larger writes are
	// split so each message fits one SRT packet.
	srtPayloadSize = 1316

	// srtLatencyNs is the receiver buffer latency (60ms).
	srtLatencyNs = 60_000_000

	quicIdleTimeout = 10 * time.Second
)

// netDialer connects to host:port with the mode's protocol and re-dials
// after failures while the channel is active.
type netDialer struct {
	addr     string
	protocol Protocol
	opts     Options
}

// NewNetwork returns a channel for the network leg of mode.
func NewNetwork(mode Mode, opts Options) *Channel {
	opts = opts.withDefaults()
	d := &netDialer{addr: mode.NetworkAddress(), protocol: mode.protocol(), opts: opts}
	return newChannel(d, "net-transport", opts)
}

func (d *netDialer) address() string { return d.addr }

func (d *netDialer) retry() bool { return true }

func (d *netDialer) describe() string {
	return fmt.Sprintf("Connecting to %s via %s...", d.addr, protocolLabel(d.protocol))
}

func (d *netDialer) dialFailed(err error) string {
	return fmt.Sprintf("Connection failed: %v", err)
}

func (d *netDialer) linkLost(err error) string {
	return fmt.Sprintf("Send error: %v", err)
}

func protocolLabel(p Protocol) string {
	switch p {
	case ProtocolSRT:
		return "SRT"
	case ProtocolQUIC:
		return "QUIC"
	default:
		return "TCP"
	}
}

func (d *netDialer) dial(ctx context.Context) (endpoint, error) {
	switch d.protocol {
	case ProtocolSRT:
		return d.dialSRT(ctx)
	case ProtocolQUIC:
		return d.dialQUIC(ctx)
	default:
		return d.dialTCP(ctx)
	}
}

func (d *netDialer) dialTCP(ctx context.Context) (endpoint, error) {
	nd := net.Dialer{
		Timeout: d.opts.DialTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     tcpKeepAlive,
			Interval: tcpKeepAlive,
			Count:    3,
		},
		Control: lowDelayControl,
	}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return endpoint{}, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return endpoint{}, fmt.Errorf("unexpected connection type %T", conn)
	}
	if err := tcp.SetNoDelay(true); err != nil {
		d.opts.Logger.Debug("set nodelay failed", "error", err)
	}
	return endpoint{
		w: tcp,
		r: tcp,
		abort: func() error {
			// Linger 0 resets the connection instead of flushing.
			_ = tcp.SetLinger(0)
			return tcp.Close()
		},
	}, nil
}

func (d *netDialer) dialSRT(ctx context.Context) (endpoint, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = d.opts.StreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(d.addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(d.opts.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return endpoint{}, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		conn := res.conn
		return endpoint{
			w:     &chunkWriter{w: conn, size: srtPayloadSize},
			r:     conn,
			abort: conn.Close,
		}, nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return endpoint{}, fmt.Errorf("SRT dial timed out after %s", d.opts.DialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return endpoint{}, ctx.Err()
	}
}

func (d *netDialer) dialQUIC(ctx context.Context) (endpoint, error) {
	tlsConf, err := certs.ClientTLSConfig(d.opts.CertFingerprint)
	if err != nil {
		return endpoint{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, d.addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: tcpKeepAlive,
	})
	if err != nil {
		return endpoint{}, fmt.Errorf("QUIC dial failed: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return endpoint{}, fmt.Errorf("QUIC open stream: %w", err)
	}
	return endpoint{
		w: stream,
		r: stream,
		abort: func() error {
			return conn.CloseWithError(0, "sender stopped")
		},
	}, nil
}

// chunkWriter splits each Write into writes of at most size bytes.
type chunkWriter struct {
	w    io.Writer
	size int
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		n := min(len(p), c.size)
		m, err := c.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
