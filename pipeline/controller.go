// Package pipeline wires a capture Source, the Encoder, and a Transport
// into one streaming session. Capture runs only while the transport is
// connected; the transport keeps retrying on its own while it is not.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bbarni2020/deskextend/capture"
	"github.com/bbarni2020/deskextend/encoder"
	"github.com/bbarni2020/deskextend/media"
	"github.com/bbarni2020/deskextend/transport"
)

var (
	// ErrCaptureUnavailable is returned when the requested display cannot
	// be captured. It is fatal to the session and never retried.
	ErrCaptureUnavailable = errors.New("pipeline: capture target unavailable")

	// ErrInvalidRequest is returned for a request that fails validation.
	ErrInvalidRequest = errors.New("pipeline: invalid request")
)

// DefaultStatsInterval is how often OnStats fires once the transport has
// first connected.
const DefaultStatsInterval = time.Second

// State is the controller's coarse lifecycle state.
type State int32

// Controller states.
const (
	StateIdle State = iota
	StateConnecting
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Request is one connect call: where to send, what to capture, and how
// to encode it.
type Request struct {
	Mode    transport.Mode
	Display int
	Config  media.DisplayConfig
}

// Callbacks report to the caller. Each may be nil. They are invoked from
// the session goroutine and must not call back into the Controller.
type Callbacks struct {
	OnStatus func(connected bool, address string)
	OnLog    func(line string)
	OnStats  func(Snapshot)
}

// TransportFactory builds a transport for a mode.
type TransportFactory func(transport.Mode, transport.Options) (transport.Transport, error)

// Options configure a Controller.
type Options struct {
	// Opener opens the hardware encoder backend. Required.
	Opener encoder.Opener
	// NewTransport defaults to transport.New.
	NewTransport     TransportFactory
	Callbacks        Callbacks
	StatsInterval    time.Duration
	TransportOptions transport.Options
	Logger           *slog.Logger
}

// Controller owns at most one session at a time.
type Controller struct {
	log    *slog.Logger
	source capture.Source
	opts   Options

	// connMu serializes Connect and Stop so a session is always torn down
	// before the next one is installed.
	connMu sync.Mutex

	mu   sync.Mutex
	sess *session
}

// NewController returns an idle controller that captures from source.
func NewController(source capture.Source, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewTransport == nil {
		opts.NewTransport = transport.New
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	return &Controller{
		log:    opts.Logger.With("component", "controller"),
		source: source,
		opts:   opts,
	}
}

// session is one Connect call's worth of state. Fields below loop-owned
// are only touched by the session goroutine, or after it has exited.
type session struct {
	id      string
	req     Request
	display capture.Display
	enc     *encoder.Encoder
	tr      transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	events chan transport.Status
	capErr chan error
	done   chan struct{}
	once   sync.Once

	capturing atomic.Bool
	connected atomic.Bool

	// loop-owned
	address        string
	captureStarted time.Time
	fps            fpsTracker
}

// Connect tears down any current session, then starts a new one. It
// returns once the transport is connecting; capture begins when the
// transport reports connected. The returned error covers synchronous
// setup only: validation, display lookup, encoder and transport creation.
func (c *Controller) Connect(ctx context.Context, req Request) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.stop()

	if err := req.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := req.Mode.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if c.opts.Opener == nil {
		return fmt.Errorf("%w: no encoder backend", encoder.ErrSetup)
	}

	display, err := c.resolveDisplay(req.Display)
	if err != nil {
		c.logLine(fmt.Sprintf("Capture unavailable: %v", err))
		return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:      uuid.NewString(),
		req:     req,
		display: display,
		ctx:     sctx,
		cancel:  cancel,
		events:  make(chan transport.Status, 16),
		capErr:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	log := c.log.With("session", s.id)

	enc, err := encoder.New(req.Config, c.opts.Opener, func(u media.EncodedUnit) {
		s.tr.Send(u.Data)
	}, c.opts.Logger.With("session", s.id))
	if err != nil {
		cancel()
		c.logLine(fmt.Sprintf("Encoder setup failed: %v", err))
		return err
	}
	s.enc = enc

	topts := c.opts.TransportOptions
	topts.Logger = c.opts.Logger
	topts.OnStatus = func(st transport.Status) {
		select {
		case s.events <- st:
		case <-s.ctx.Done():
		}
	}
	topts.OnLog = c.logLine
	tr, err := c.opts.NewTransport(req.Mode, topts)
	if err != nil {
		cancel()
		_ = enc.Stop()
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	s.tr = tr

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	log.Info("session starting",
		"mode", req.Mode.String(),
		"display", display.Index,
		"resolution", req.Config.Resolution(),
		"fps", req.Config.FPS,
		"bitrate", req.Config.BitrateBps,
	)
	go c.loop(s)
	tr.Connect()
	return nil
}

func (c *Controller) resolveDisplay(index int) (capture.Display, error) {
	if c.source == nil {
		return capture.Display{}, errors.New("no capture source")
	}
	if l, ok := c.source.(capture.Lister); ok {
		return capture.Resolve(l, index)
	}
	if index < 0 {
		return capture.Display{}, fmt.Errorf("%w: index %d", capture.ErrDisplayNotFound, index)
	}
	return capture.Display{Index: index}, nil
}

// Stop tears down the current session: stats, capture, encoder, then the
// transport. It is idempotent.
func (c *Controller) Stop() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.stop()
}

func (c *Controller) stop() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		c.close(s, true)
	}
}

// State reports the controller's lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	switch {
	case s == nil:
		return StateIdle
	case s.capturing.Load():
		return StateCapturing
	default:
		return StateConnecting
	}
}

// Snapshot returns the current session's counters, or false when idle.
// MeasuredFPS and UptimeMs are only filled in the periodic OnStats reports.
func (c *Controller) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return Snapshot{}, false
	}
	ts := s.tr.Stats()
	cnt := s.enc.Counters()
	snap := Snapshot{
		Timestamp:       time.Now().UnixMilli(),
		SessionID:       s.id,
		Mode:            s.req.Mode.Kind.String(),
		Connected:       ts.Connected,
		Address:         ts.Address,
		BitrateMbps:     ts.BitrateMbps,
		FPS:             s.req.Config.FPS,
		Resolution:      s.req.Config.Resolution(),
		FramesSubmitted: cnt.Submitted,
		FramesEncoded:   cnt.Encoded,
		FramesDropped:   cnt.Dropped,
		QueueDrops:      ts.QueueDrops,
	}
	return snap, true
}

func (c *Controller) loop(s *session) {
	defer close(s.done)

	var tick <-chan time.Time
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case st := <-s.events:
			c.notifyStatus(st.Connected, st.Address)
			if !st.Connected {
				s.connected.Store(false)
				if s.capturing.Load() {
					c.stopCapture(s)
					c.logLine("Capture paused until the link returns")
				}
				continue
			}

			s.connected.Store(true)
			prev := s.address
			s.address = st.Address
			if s.capturing.Load() {
				if prev != st.Address {
					c.log.Info("active link changed, forcing keyframe", "session", s.id, "from", prev, "to", st.Address)
					s.enc.RequestKeyframe()
				}
				continue
			}
			if err := c.startCapture(s); err != nil {
				c.log.Error("capture start failed", "session", s.id, "error", err)
				c.logLine(fmt.Sprintf("Capture failed: %v", err))
				c.notifyStatus(false, "")
				c.abandon(s)
				return
			}
			if ticker == nil {
				ticker = time.NewTicker(c.opts.StatsInterval)
				tick = ticker.C
			}

		case err := <-s.capErr:
			if !s.capturing.Load() {
				continue
			}
			c.log.Warn("capture ended", "session", s.id, "error", err)
			c.logLine(fmt.Sprintf("Capture stopped: %v", err))
			c.stopCapture(s)

		case now := <-tick:
			if c.opts.Callbacks.OnStats != nil {
				c.opts.Callbacks.OnStats(buildSnapshot(s, now, s.tr.Stats(), s.enc.Counters()))
			}
		}
	}
}

func (c *Controller) startCapture(s *session) error {
	if err := s.enc.Start(); err != nil {
		return err
	}
	params := capture.Params{
		Display: s.display,
		Width:   s.req.Config.Width,
		Height:  s.req.Config.Height,
		FPS:     s.req.Config.FPS,
	}
	err := c.source.Start(s.ctx, params, capture.Handler{
		Frame: s.enc.Submit,
		Drop:  s.enc.RecordDrop,
		Err: func(err error) {
			select {
			case s.capErr <- err:
			default:
			}
		},
	})
	if err != nil {
		_ = s.enc.Stop()
		return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	s.capturing.Store(true)
	s.captureStarted = time.Now()
	s.fps = fpsTracker{}
	c.log.Info("capture started", "session", s.id, "display", s.display.Index)
	c.logLine(fmt.Sprintf("Streaming display %d at %s@%d", s.display.Index, s.req.Config.Resolution(), s.req.Config.FPS))
	return nil
}

func (c *Controller) stopCapture(s *session) {
	c.source.Stop()
	if err := s.enc.Stop(); err != nil {
		c.log.Warn("encoder stop failed", "session", s.id, "error", err)
	}
	s.capturing.Store(false)
}

// abandon ends s from inside its own loop.
func (c *Controller) abandon(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	c.close(s, false)
}

// close runs the ordered teardown once. waitLoop is false only when
// called from the session goroutine itself.
func (c *Controller) close(s *session, waitLoop bool) {
	s.once.Do(func() {
		s.cancel()
		if waitLoop {
			<-s.done
		}
		wasConnected := s.connected.Load()
		if s.capturing.Load() {
			c.stopCapture(s)
		}
		if err := s.enc.Stop(); err != nil {
			c.log.Warn("encoder stop failed", "session", s.id, "error", err)
		}
		s.tr.Stop()

		cnt := s.enc.Counters()
		c.log.Info("session stopped",
			"session", s.id,
			"submitted", cnt.Submitted,
			"encoded", cnt.Encoded,
			"dropped", cnt.Dropped,
		)
		if waitLoop && wasConnected {
			c.notifyStatus(false, "")
		}
	})
}

func (c *Controller) notifyStatus(connected bool, address string) {
	if c.opts.Callbacks.OnStatus != nil {
		c.opts.Callbacks.OnStatus(connected, address)
	}
}

func (c *Controller) logLine(line string) {
	c.log.Debug("log line", "line", line)
	if c.opts.Callbacks.OnLog != nil {
		c.opts.Callbacks.OnLog(line)
	}
}
