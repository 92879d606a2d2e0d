package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bbarni2020/deskextend/media"
)

// PatternSource generates a moving colour-bar test pattern in BGRA. It
// needs no display server, which makes it useful for link testing and for
// headless hosts.
type PatternSource struct {
	log    *slog.Logger
	width  int
	height int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPatternSource returns a source whose single virtual display is
// width×height.
func NewPatternSource(width, height int, log *slog.Logger) *PatternSource {
	if log == nil {
		log = slog.Default()
	}
	return &PatternSource{
		log:    log.With("component", "capture", "source", "pattern"),
		width:  width,
		height: height,
	}
}

// Displays reports the one virtual display.
func (s *PatternSource) Displays() ([]Display, error) {
	return []Display{{Index: 0, Name: "pattern", Width: s.width, Height: s.height, Primary: true}}, nil
}

// Start begins generating frames at p.FPS. The pattern is drawn at
// p.Width×p.Height when set, else at the virtual display size.
func (s *PatternSource) Start(ctx context.Context, p Params, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	if p.Display.Index != 0 {
		return ErrDisplayNotFound
	}
	w, ht := s.width, s.height
	if p.Width > 0 && p.Height > 0 {
		w, ht = p.Width, p.Height
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	buf := make([]byte, w*ht*4)
	var n int
	grab := func() (media.RawFrame, error) {
		drawBars(buf, w, ht, n)
		n++
		return media.RawFrame{Data: buf, Width: w, Height: ht, Stride: w * 4, Format: media.PixelFormatBGRA}, nil
	}
	go func() {
		defer close(done)
		tickLoop(ctx, p.FPS, grab, h, s.log)
	}()
	return nil
}

// Stop halts generation.
func (s *PatternSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

var bars = [8][3]byte{
	{255, 255, 255}, {0, 255, 255}, {255, 255, 0}, {0, 255, 0},
	{255, 0, 255}, {0, 0, 255}, {255, 0, 0}, {0, 0, 0},
}

// drawBars fills buf with eight vertical BGRA bars shifted by frame.
func drawBars(buf []byte, w, h, frame int) {
	if w <= 0 {
		return
	}
	barWidth := w / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < h; y++ {
		row := buf[y*w*4 : (y+1)*w*4]
		for x := 0; x < w; x++ {
			c := bars[((x+frame)/barWidth)%len(bars)]
			row[x*4+0] = c[0]
			row[x*4+1] = c[1]
			row[x*4+2] = c[2]
			row[x*4+3] = 0xFF
		}
	}
}
