package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/kbinani/screenshot"

	"github.com/bbarni2020/deskextend/media"
)

// ScreenshotSource captures a display with kbinani/screenshot. Frames are
// RGBA at the display's native size; the encoder scales them.
type ScreenshotSource struct {
	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScreenshotSource returns an idle source. If log is nil, slog.Default()
// is used.
func NewScreenshotSource(log *slog.Logger) *ScreenshotSource {
	if log == nil {
		log = slog.Default()
	}
	return &ScreenshotSource{log: log.With("component", "capture", "source", "screenshot")}
}

// Displays enumerates the active displays. Index 0 is the primary display.
func (s *ScreenshotSource) Displays() ([]Display, error) {
	total := screenshot.NumActiveDisplays()
	if total <= 0 {
		return nil, ErrNoDisplays
	}
	displays := make([]Display, 0, total)
	for i := 0; i < total; i++ {
		b := screenshot.GetDisplayBounds(i)
		displays = append(displays, Display{
			Index:   i,
			Name:    fmt.Sprintf("display-%d", i),
			Width:   b.Dx(),
			Height:  b.Dy(),
			Primary: i == 0,
		})
	}
	return displays, nil
}

// Start begins capturing p.Display at p.FPS.
func (s *ScreenshotSource) Start(ctx context.Context, p Params, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	if p.Display.Index < 0 || p.Display.Index >= screenshot.NumActiveDisplays() {
		return fmt.Errorf("%w: index %d", ErrDisplayNotFound, p.Display.Index)
	}
	bounds := screenshot.GetDisplayBounds(p.Display.Index)
	if bounds.Empty() {
		return fmt.Errorf("%w: display %d has zero bounds", ErrDisplayNotFound, p.Display.Index)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	s.log.Info("capture started",
		"display", p.Display.Index,
		"bounds", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"fps", p.FPS,
	)
	go func() {
		defer close(done)
		tickLoop(ctx, p.FPS, grabRect(bounds), h, s.log)
	}()
	return nil
}

func grabRect(bounds image.Rectangle) grabFunc {
	return func() (media.RawFrame, error) {
		img, err := screenshot.CaptureRect(bounds)
		if err != nil {
			return media.RawFrame{}, err
		}
		return media.RawFrame{
			Data:   img.Pix,
			Width:  img.Rect.Dx(),
			Height: img.Rect.Dy(),
			Stride: img.Stride,
			Format: media.PixelFormatRGBA,
		}, nil
	}
}

// Stop halts capture and waits for the capture goroutine to exit.
func (s *ScreenshotSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("capture stopped")
}
