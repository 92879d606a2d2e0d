// Package receiver accepts deskextend streams from senders over TCP, SRT or
// QUIC and hands every decoded unit to a callback. It backs the deskrecv
// tool and the end-to-end tests.
package receiver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	srtgo "github.com/zsiec/srtgo"

	"github.com/bbarni2020/deskextend/annexb"
	"github.com/bbarni2020/deskextend/certs"
	"github.com/bbarni2020/deskextend/framing"
	"github.com/bbarni2020/deskextend/transport"
)

// srtReadBufferSize holds ten live-mode SRT messages.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs matches the sender's SRT latency (60ms).
const srtLatencyNs = 60_000_000

// ErrNotListening is returned by Serve before Listen has succeeded.
var ErrNotListening = errors.New("receiver: not listening")

// UnitFunc receives one Annex B unit from peer. The slice is only valid
// for the duration of the call.
type UnitFunc func(peer string, unit []byte)

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Empty means ":5900".
	Addr     string
	Protocol transport.Protocol
	// Cert is the QUIC server certificate. A self-signed one is generated
	// when nil.
	Cert         *certs.CertInfo
	MaxFrameSize int
}

// PeerStats describes one connected sender.
type PeerStats struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	Protocol      string    `json:"protocol"`
	ConnectedAt   time.Time `json:"connectedAt"`
	BytesReceived int64     `json:"bytesReceived"`
	Units         int64     `json:"units"`
	Keyframes     int64     `json:"keyframes"`
	UptimeMs      int64     `json:"uptimeMs"`
}

// srtListener holds the SRT accept loop's two operations.
type srtListener struct {
	accept func() (*srtgo.Conn, error)
	close  func()
}

type peer struct {
	id          string
	remote      string
	connectedAt time.Time
	bytes       atomic.Int64
	units       atomic.Int64
	keyframes   atomic.Int64
}

func (p *peer) stats(protocol string) PeerStats {
	return PeerStats{
		ID:            p.id,
		RemoteAddr:    p.remote,
		Protocol:      protocol,
		ConnectedAt:   p.connectedAt,
		BytesReceived: p.bytes.Load(),
		Units:         p.units.Load(),
		Keyframes:     p.keyframes.Load(),
		UptimeMs:      time.Since(p.connectedAt).Milliseconds(),
	}
}

// Server accepts sender connections on one protocol.
type Server struct {
	log    *slog.Logger
	cfg    Config
	onUnit UnitFunc

	mu    sync.Mutex
	tcp   net.Listener
	srt   *srtListener
	quic  *quic.Listener
	peers map[string]*peer
	seq   int
	wg    sync.WaitGroup
}

// NewServer returns a server that reports units to onUnit. If log is nil,
// slog.Default() is used.
func NewServer(cfg Config, onUnit UnitFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":" + strconv.Itoa(transport.DefaultPort)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = transport.ProtocolTCP
	}
	if onUnit == nil {
		onUnit = func(string, []byte) {}
	}
	return &Server{
		log:    log.With("component", "receiver", "protocol", string(cfg.Protocol)),
		cfg:    cfg,
		onUnit: onUnit,
		peers:  make(map[string]*peer),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.cfg.Protocol {
	case transport.ProtocolTCP:
		l, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("TCP listen on %s: %w", s.cfg.Addr, err)
		}
		s.tcp = l

	case transport.ProtocolSRT:
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs
		l, err := srtgo.Listen(s.cfg.Addr, cfg)
		if err != nil {
			return fmt.Errorf("SRT listen on %s: %w", s.cfg.Addr, err)
		}
		l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
			if req.StreamID == "" {
				return srtgo.RejPeer
			}
			return 0
		})
		s.srt = &srtListener{
			accept: l.Accept,
			close:  func() { l.Close() },
		}

	case transport.ProtocolQUIC:
		if s.cfg.Cert == nil {
			cert, err := certs.Generate(0)
			if err != nil {
				return err
			}
			s.cfg.Cert = cert
		}
		l, err := quic.ListenAddr(s.cfg.Addr, s.cfg.Cert.ServerTLSConfig(), &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("QUIC listen on %s: %w", s.cfg.Addr, err)
		}
		s.quic = l

	default:
		return fmt.Errorf("%w: protocol %q", transport.ErrInvalidMode, s.cfg.Protocol)
	}
	s.log.Info("listening", "addr", s.Addr())
	return nil
}

// Addr reports the bound address, or the configured one for SRT and
// before Listen.
func (s *Server) Addr() string {
	switch {
	case s.tcp != nil:
		return s.tcp.Addr().String()
	case s.quic != nil:
		return s.quic.Addr().String()
	default:
		return s.cfg.Addr
	}
}

// Certificate returns the QUIC certificate in use, if any.
func (s *Server) Certificate() *certs.CertInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Cert
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for every peer handler to return.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	tcp, srt, ql := s.tcp, s.srt, s.quic
	s.mu.Unlock()

	defer s.wg.Wait()
	switch {
	case tcp != nil:
		stop := context.AfterFunc(ctx, func() { tcp.Close() })
		defer stop()
		return s.serveTCP(ctx, tcp)
	case srt != nil:
		stop := context.AfterFunc(ctx, srt.close)
		defer stop()
		return s.serveSRT(ctx, srt)
	case ql != nil:
		stop := context.AfterFunc(ctx, func() { ql.Close() })
		defer stop()
		return s.serveQUIC(ctx, ql)
	}
	return ErrNotListening
}

func (s *Server) serveTCP(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.spawn(ctx, conn.RemoteAddr().String(), conn, conn.Close)
	}
}

func (s *Server) serveSRT(ctx context.Context, l *srtListener) error {
	for {
		conn, err := l.accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.log.Debug("srt publish", "stream_id", conn.StreamID())
		// bufio reads whole messages into a buffer larger than one SRT
		// payload so the framing reader can ask for any length.
		r := bufio.NewReaderSize(conn, srtReadBufferSize)
		s.spawn(ctx, conn.RemoteAddr().String(), r, conn.Close)
	}
}

func (s *Server) serveQUIC(ctx context.Context, l *quic.Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return err
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			str, err := conn.AcceptStream(ctx)
			if err != nil {
				s.log.Debug("accept stream failed", "remote", conn.RemoteAddr(), "error", err)
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			s.handle(ctx, conn.RemoteAddr().String(), str, func() error {
				return conn.CloseWithError(0, "receiver closing")
			})
		}()
	}
}

func (s *Server) spawn(ctx context.Context, remote string, r io.Reader, closeFn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handle(ctx, remote, r, closeFn)
	}()
}

func (s *Server) handle(ctx context.Context, remote string, r io.Reader, closeFn func() error) {
	p := s.register(remote)
	stop := context.AfterFunc(ctx, func() { _ = closeFn() })
	defer func() {
		stop()
		_ = closeFn()
		s.unregister(p)
	}()

	s.log.Info("sender connected", "peer", p.id, "remote", remote)
	fr := framing.NewReader(r, s.cfg.MaxFrameSize)
	var cause error
	for {
		unit, err := fr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				cause = err
			}
			break
		}
		p.bytes.Add(int64(framing.HeaderSize + len(unit)))
		p.units.Add(1)
		if annexb.ContainsKeyframe(unit) {
			p.keyframes.Add(1)
		}
		s.onUnit(p.id, unit)
	}

	st := p.stats(string(s.cfg.Protocol))
	attrs := []any{
		"peer", p.id,
		"bytes", st.BytesReceived,
		"units", st.Units,
		"keyframes", st.Keyframes,
		"uptime_ms", st.UptimeMs,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	s.log.Info("connection closed", attrs...)
}

func (s *Server) register(remote string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	p := &peer{
		id:          fmt.Sprintf("%s#%d", remote, s.seq),
		remote:      remote,
		connectedAt: time.Now(),
	}
	s.peers[p.id] = p
	return p
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}

// Peers returns a snapshot of connected senders ordered by connect time.
func (s *Server) Peers() []PeerStats {
	s.mu.Lock()
	out := make([]PeerStats, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.stats(string(s.cfg.Protocol)))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
