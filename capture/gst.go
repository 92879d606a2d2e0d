//go:build gst

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bbarni2020/deskextend/media"
)

// GstSource captures the screen through GStreamer and delivers NV12 frames
// already scaled to the session size, so the encoder does no conversion.
type GstSource struct {
	log *slog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	cancel   context.CancelFunc
	done     chan struct{}
}

var gstInitOnce sync.Once

var errEmptySample = errors.New("capture: empty sample")

func init() {
	newGstSource = func(log *slog.Logger) Source { return NewGstSource(log) }
}

// NewGstSource returns an idle source. If log is nil, slog.Default() is
// used.
func NewGstSource(log *slog.Logger) *GstSource {
	gstInitOnce.Do(func() { gst.Init(nil) })
	if log == nil {
		log = slog.Default()
	}
	return &GstSource{log: log.With("component", "capture", "source", "gst")}
}

func screenElement(index int) string {
	switch runtime.GOOS {
	case "darwin":
		return fmt.Sprintf("avfvideosrc capture-screen=true capture-screen-cursor=true device-index=%d", index)
	default:
		return fmt.Sprintf("ximagesrc screen-num=%d use-damage=false show-pointer=true", index)
	}
}

func (s *GstSource) launchString(p Params) string {
	return fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1 ! "+
			"appsink name=sink sync=false max-buffers=2 drop=true",
		screenElement(p.Display.Index), p.Width, p.Height, p.FPS,
	)
}

// Start builds and plays the capture pipeline.
func (s *GstSource) Start(ctx context.Context, p Params, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil {
		return ErrAlreadyRunning
	}
	if p.Width <= 0 || p.Height <= 0 {
		p.Width, p.Height = p.Display.Width, p.Display.Height
	}

	pipeline, err := gst.NewPipelineFromString(s.launchString(p))
	if err != nil {
		return fmt.Errorf("capture: build pipeline: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("capture: find appsink: %w", err)
	}

	start := time.Now()
	width, height := p.Width, p.Height
	app.SinkFromElement(sinkElem).SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				h.drop(errEmptySample)
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				h.drop(errEmptySample)
				return gst.FlowOK
			}
			mapInfo := buffer.Map(gst.MapRead)
			defer buffer.Unmap()
			if h.Frame != nil {
				h.Frame(media.RawFrame{
					Data:      mapInfo.Bytes(),
					Width:     width,
					Height:    height,
					Stride:    width,
					Format:    media.PixelFormatNV12,
					Timestamp: time.Since(start),
				})
			}
			return gst.FlowOK
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("capture: start pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.pipeline, s.cancel, s.done = pipeline, cancel, done
	go func() {
		defer close(done)
		s.watchBus(ctx, pipeline, h)
	}()

	s.log.Info("capture started", "display", p.Display.Index, "size", fmt.Sprintf("%dx%d", width, height), "fps", p.FPS)
	return nil
}

func (s *GstSource) watchBus(ctx context.Context, pipeline *gst.Pipeline, h Handler) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			if h.Err != nil {
				h.Err(fmt.Errorf("capture: end of stream"))
			}
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Error("capture pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			if h.Err != nil {
				h.Err(fmt.Errorf("capture: %s", gerr.Error()))
			}
			return
		}
	}
}

// Stop tears the pipeline down.
func (s *GstSource) Stop() {
	s.mu.Lock()
	pipeline, cancel, done := s.pipeline, s.cancel, s.done
	s.pipeline, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if pipeline == nil {
		return
	}
	cancel()
	<-done
	if err := pipeline.SetState(gst.StateNull); err != nil {
		s.log.Warn("failed to stop capture pipeline", "error", err)
	}
	s.log.Info("capture stopped")
}

// Displays delegates enumeration to kbinani/screenshot, which sees the
// same screens GStreamer captures.
func (s *GstSource) Displays() ([]Display, error) {
	return NewScreenshotSource(s.log).Displays()
}
