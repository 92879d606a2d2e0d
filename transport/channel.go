package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bbarni2020/deskextend/framing"
)

// endpoint is one established link.
type endpoint struct {
	w io.Writer
	// r, when set, is drained so a peer close is noticed even while idle.
	r io.Reader
	// abort closes the link immediately, discarding unsent data.
	abort func() error
}

// dialer opens endpoints for a Channel.
type dialer interface {
	dial(ctx context.Context) (endpoint, error)
	// address is the label reported while connected.
	address() string
	// retry reports whether a failed link is re-dialed automatically.
	retry() bool
	// describe is the log line for a new attempt.
	describe() string
	// dialFailed and linkLost render the log line for each failure.
	dialFailed(err error) string
	linkLost(err error) string
}

// link is the per-connection state: a bounded queue drained by a single
// writer goroutine.
type link struct {
	ep    endpoint
	queue chan []byte
	quit  chan struct{}
	once  sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.quit)
		if l.ep.abort != nil {
			_ = l.ep.abort()
		}
	})
}

// Channel is a single-endpoint transport. All state transitions are
// tagged with a generation so callbacks from a cancelled attempt are
// ignored.
type Channel struct {
	log   *slog.Logger
	opts  Options
	d     dialer
	meter *meter

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	timer  *time.Timer
	cur    *link

	active atomic.Pointer[link]
	drops  atomic.Int64

	// emitMu serializes status callbacks so observers see transitions in
	// order.
	emitMu sync.Mutex
}

func newChannel(d dialer, component string, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		log:   opts.Logger.With("component", component),
		opts:  opts,
		d:     d,
		meter: newMeter(opts.MeterWindow),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a fresh attempt, cancelling whatever came before.
func (c *Channel) Connect() {
	c.mu.Lock()
	wasReady := c.state == StateReady
	old := c.resetLocked()
	c.gen++
	gen := c.gen
	ctx := c.beginLocked()
	c.mu.Unlock()

	if old != nil {
		old.close()
	}
	if wasReady {
		c.emit(gen, Status{Connected: false, Address: c.d.address()})
	}
	c.logf("%s", c.d.describe())
	go c.run(ctx, gen)
}

// Send frames unit and queues it for the writer.
func (c *Channel) Send(unit []byte) {
	l := c.active.Load()
	if l == nil {
		return
	}
	select {
	case l.queue <- framing.Frame(unit):
	case <-l.quit:
	default:
		if n := c.drops.Add(1); n == 1 || n%100 == 0 {
			c.log.Debug("send queue full, dropping unit", "drops", n, "bytes", len(unit))
		}
	}
}

// Stop cancels any attempt or pending reconnect and force-closes the link.
func (c *Channel) Stop() {
	c.mu.Lock()
	wasReady := c.state == StateReady
	wasActive := wasReady || c.state == StateConnecting || c.state == StateFailed
	old := c.resetLocked()
	c.gen++
	gen := c.gen
	c.state = StateCancelled
	c.mu.Unlock()

	if old != nil {
		old.close()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if wasActive {
		c.logf("Connection cancelled")
	}
	if wasReady {
		c.emit(gen, Status{Connected: false, Address: c.d.address()})
	}
}

// Stats reports the windowed bitrate and connectivity.
func (c *Channel) Stats() Stats {
	connected := c.active.Load() != nil
	s := Stats{
		BitrateMbps: c.meter.rate(),
		Connected:   connected,
		QueueDrops:  c.drops.Load(),
	}
	if connected {
		s.Address = c.d.address()
	}
	return s
}

// resetLocked cancels the in-flight dial and reconnect timer and detaches
// the current link, which the caller closes outside the lock.
func (c *Channel) resetLocked() *link {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	old := c.cur
	c.cur = nil
	c.active.Store(nil)
	return old
}

func (c *Channel) beginLocked() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	return ctx
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	ep, err := c.d.dial(ctx)

	c.mu.Lock()
	if gen != c.gen || ctx.Err() != nil {
		c.mu.Unlock()
		if err == nil && ep.abort != nil {
			_ = ep.abort()
		}
		return
	}
	if err != nil {
		c.state = StateFailed
		c.scheduleLocked(gen)
		c.mu.Unlock()
		c.log.Warn("connect failed", "address", c.d.address(), "error", err)
		c.logf("%s", c.d.dialFailed(err))
		c.emit(gen, Status{Connected: false})
		return
	}

	l := &link{
		ep:    ep,
		queue: make(chan []byte, c.opts.QueueDepth),
		quit:  make(chan struct{}),
	}
	c.cur = l
	c.state = StateReady
	c.active.Store(l)
	c.meter.reset()
	c.mu.Unlock()

	c.log.Info("connected", "address", c.d.address())
	c.logf("Connection established: %s", c.d.address())
	c.emit(gen, Status{Connected: true, Address: c.d.address()})

	go c.writeLoop(l, gen)
	if ep.r != nil {
		go c.drainLoop(l, gen)
	}
}

func (c *Channel) writeLoop(l *link, gen uint64) {
	for {
		select {
		case <-l.quit:
			return
		case frame := <-l.queue:
			n, err := l.ep.w.Write(frame)
			if err != nil {
				c.fail(l, gen, err)
				return
			}
			c.meter.add(n)
		}
	}
}

func (c *Channel) drainLoop(l *link, gen uint64) {
	buf := make([]byte, 512)
	for {
		if _, err := l.ep.r.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("peer closed connection")
			}
			c.fail(l, gen, err)
			return
		}
	}
}

// fail tears down l if it is still current and schedules a reconnect when
// the dialer allows it.
func (c *Channel) fail(l *link, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.cur != l {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.active.Store(nil)
	c.state = StateFailed
	c.scheduleLocked(gen)
	c.mu.Unlock()

	l.close()
	c.log.Warn("connection lost", "address", c.d.address(), "error", err)
	c.logf("%s", c.d.linkLost(err))
	c.emit(gen, Status{Connected: false})
}

func (c *Channel) scheduleLocked(gen uint64) {
	if !c.d.retry() {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.ReconnectDelay, func() { c.reconnect(gen) })
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateFailed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.beginLocked()
	c.mu.Unlock()

	c.log.Info("reconnecting", "address", c.d.address())
	c.logf("%s", c.d.describe())
	go c.run(ctx, gen)
}

func (c *Channel) emit(gen uint64, s Status) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}
	c.opts.OnStatus(s)
}

func (c *Channel) logf(format string, args ...any) {
	c.opts.OnLog(fmt.Sprintf(format, args...))
}
