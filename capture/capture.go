// Package capture delivers raw screen frames to the pipeline. A Source
// pushes frames to a Handler at roughly the requested rate; buffers belong
// to the source and are only valid until the Frame callback returns.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bbarni2020/deskextend/media"
)

var (
	// ErrDisplayNotFound is returned when the requested display index does
	// not exist.
	ErrDisplayNotFound = errors.New("capture: display not found")

	// ErrNoDisplays is returned when the host reports no active displays.
	ErrNoDisplays = errors.New("capture: no active displays")

	// ErrAlreadyRunning is returned by Start on a running source.
	ErrAlreadyRunning = errors.New("capture: already running")
)

// maxConsecutiveErrors is how many grabs in a row may fail before the
// source gives up and reports a terminal error.
const maxConsecutiveErrors = 10

// Display is one capturable screen.
type Display struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Primary bool   `json:"primary"`
}

// Params selects what to capture and at what size and rate.
type Params struct {
	Display Display
	Width   int
	Height  int
	FPS     int
}

// Handler receives frames and the terminal error. Drop is called for each
// frame lost to a failed grab. Err is called at most once, after which no
// more frames arrive.
type Handler struct {
	Frame func(media.RawFrame)
	Drop  func(error)
	Err   func(error)
}

func (h Handler) drop(err error) {
	if h.Drop != nil {
		h.Drop(err)
	}
}

// Source produces frames until stopped.
type Source interface {
	Start(ctx context.Context, p Params, h Handler) error
	// Stop halts delivery and waits for any in-flight Frame call. It must
	// not be called from inside a Handler callback. Stop is idempotent and
	// safe before Start.
	Stop()
}

// Lister is implemented by sources that can enumerate displays.
type Lister interface {
	Displays() ([]Display, error)
}

// Resolve returns the display at index.
func Resolve(l Lister, index int) (Display, error) {
	displays, err := l.Displays()
	if err != nil {
		return Display{}, err
	}
	for _, d := range displays {
		if d.Index == index {
			return d, nil
		}
	}
	return Display{}, fmt.Errorf("%w: index %d (have %d)", ErrDisplayNotFound, index, len(displays))
}

// grabFunc captures one frame. The returned frame data must stay valid
// until the next call.
type grabFunc func() (media.RawFrame, error)

// tickLoop calls grab once per frame interval and hands each frame to h.
// Ticks are dropped when a grab takes longer than the interval. After
// maxConsecutiveErrors failed grabs in a row it reports a terminal error.
func tickLoop(ctx context.Context, fps int, grab grabFunc, h Handler, log *slog.Logger) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	start := time.Now()
	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := grab()
		if err != nil {
			failures++
			log.Debug("grab failed", "error", err, "consecutive", failures)
			h.drop(err)
			if failures >= maxConsecutiveErrors {
				if h.Err != nil {
					h.Err(fmt.Errorf("capture: %d consecutive failures: %w", failures, err))
				}
				return
			}
			continue
		}
		failures = 0
		frame.Timestamp = time.Since(start)
		if h.Frame != nil {
			h.Frame(frame)
		}
	}
}
