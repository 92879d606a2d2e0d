//go:build gst

package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bbarni2020/deskextend/media"
)

// The gst backend drives a hardware H.264 encoder through GStreamer:
// appsrc ! videoconvert ! <hw encoder> ! h264parse ! appsink. h264parse is
// configured for AVC (length-prefixed) output with SPS/PPS repeated in-band
// on every IDR, which the Encoder picks up from the packet body.

func init() {
	Register("gst", openGstVAAPI)
	Register("gst-vaapi", openGstVAAPI)
	Register("gst-x264", openGstSoftware)
}

func openGstVAAPI(s Settings, out OutputFunc) (Backend, error) {
	return newGstBackend(s, out, "vaapih264enc")
}

func openGstSoftware(s Settings, out OutputFunc) (Backend, error) {
	return newGstBackend(s, out, "x264enc")
}

var gstInitOnce sync.Once

type gstBackend struct {
	log      *slog.Logger
	settings Settings
	element  string
	out      OutputFunc

	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	inW      int
	inH      int
	inFormat media.PixelFormat
	pending  []media.Timestamp
	closed   bool
}

func newGstBackend(s Settings, out OutputFunc, element string) (*gstBackend, error) {
	gstInitOnce.Do(func() { gst.Init(nil) })
	if gst.Find(element) == nil {
		return nil, fmt.Errorf("gstreamer element %q not available", element)
	}
	return &gstBackend{
		log:      slog.Default().With("component", "gst-encoder", "element", element),
		settings: s,
		element:  element,
		out:      out,
	}, nil
}

func (g *gstBackend) encoderDesc() string {
	kbps := g.settings.AverageBitrate / 1000
	switch g.element {
	case "vaapih264enc":
		return fmt.Sprintf("vaapih264enc rate-control=cbr bitrate=%d keyframe-period=%d max-bframes=0 tune=low-power",
			kbps, g.settings.KeyframeInterval)
	default:
		return fmt.Sprintf("x264enc tune=zerolatency speed-preset=ultrafast bframes=0 key-int-max=%d bitrate=%d vbv-buf-capacity=%d",
			g.settings.KeyframeInterval, kbps, int(g.settings.DataRateWindow*1000))
	}
}

func (g *gstBackend) launchString(w, h int, format media.PixelFormat) string {
	return fmt.Sprintf(
		"appsrc name=src is-live=true format=time do-timestamp=false "+
			"caps=video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1 ! "+
			"videoconvert ! videoscale ! video/x-raw,format=NV12,width=%d,height=%d ! "+
			"%s ! h264parse config-interval=-1 ! "+
			"video/x-h264,stream-format=avc,alignment=au,profile=%s ! "+
			"appsink name=sink sync=false max-buffers=4 drop=false emit-signals=false",
		format, w, h, g.settings.FPS,
		g.settings.Width, g.settings.Height,
		g.encoderDesc(), g.settings.Profile,
	)
}

// ensurePipeline builds the pipeline for the current input geometry. The
// pipeline is rebuilt when the capture size or format changes mid-session.
func (g *gstBackend) ensurePipeline(frame media.RawFrame) error {
	if g.pipeline != nil && frame.Width == g.inW && frame.Height == g.inH && frame.Format == g.inFormat {
		return nil
	}
	if g.pipeline != nil {
		g.log.Info("input geometry changed, rebuilding pipeline",
			"from", fmt.Sprintf("%dx%d", g.inW, g.inH),
			"to", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		)
		g.teardownLocked(true)
	}

	pipeline, err := gst.NewPipelineFromString(g.launchString(frame.Width, frame.Height, frame.Format))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return fmt.Errorf("find appsrc: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("find appsink: %w", err)
	}
	sink := app.SinkFromElement(sinkElem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onSample,
	})
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	g.pipeline = pipeline
	g.src = app.SrcFromElement(srcElem)
	g.inW, g.inH, g.inFormat = frame.Width, frame.Height, frame.Format
	g.log.Info("encoder pipeline playing",
		"input", fmt.Sprintf("%dx%d %s", frame.Width, frame.Height, frame.Format),
		"output", fmt.Sprintf("%dx%d", g.settings.Width, g.settings.Height),
	)
	return nil
}

func (g *gstBackend) Encode(frame media.RawFrame, pts media.Timestamp) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrNotReady
	}
	if err := g.ensurePipeline(frame); err != nil {
		return err
	}

	buf := gst.NewBufferFromBytes(packRows(frame))
	buf.SetPresentationTimestamp(pts.Duration())
	buf.SetDuration(time.Second / time.Duration(g.settings.FPS))

	g.pending = append(g.pending, pts)
	if ret := g.src.PushBuffer(buf); ret != gst.FlowOK {
		g.pending = g.pending[:len(g.pending)-1]
		return fmt.Errorf("push buffer: %v", ret)
	}
	return nil
}

// packRows returns the frame data with any row padding removed.
func packRows(frame media.RawFrame) []byte {
	bpp := 4
	if frame.Format == media.PixelFormatNV12 {
		bpp = 1
	}
	row := frame.Width * bpp
	if frame.Stride == 0 || frame.Stride == row {
		return append([]byte(nil), frame.Data...)
	}
	rows := frame.Height
	if frame.Format == media.PixelFormatNV12 {
		rows = frame.Height * 3 / 2
	}
	out := make([]byte, 0, row*rows)
	for y := 0; y < rows; y++ {
		off := y * frame.Stride
		if off+row > len(frame.Data) {
			break
		}
		out = append(out, frame.Data[off:off+row]...)
	}
	return out
}

func (g *gstBackend) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()
	if len(data) == 0 {
		return gst.FlowOK
	}

	// Frames are never reordered, so output order matches push order.
	g.mu.Lock()
	var pts media.Timestamp
	if len(g.pending) > 0 {
		pts = g.pending[0]
		g.pending = g.pending[1:]
	}
	g.mu.Unlock()

	g.out(Packet{
		Data:     data,
		PTS:      pts,
		Keyframe: avc.IsIDRSample(data),
	})
	return gst.FlowOK
}

// Flush sends EOS and waits for it to drain through the encoder.
func (g *gstBackend) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		return nil
	}
	return g.drainLocked()
}

func (g *gstBackend) drainLocked() error {
	if ret := g.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("end stream: %v", ret)
	}
	bus := g.pipeline.GetPipelineBus()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		// onSample takes g.mu, so release it while waiting on the bus.
		g.mu.Unlock()
		msg := bus.TimedPop(50 * time.Millisecond)
		g.mu.Lock()
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			return fmt.Errorf("pipeline error during flush: %s", msg.ParseError().Error())
		}
	}
	return errors.New("flush timed out")
}

func (g *gstBackend) teardownLocked(drain bool) {
	if g.pipeline == nil {
		return
	}
	if drain {
		if err := g.drainLocked(); err != nil {
			g.log.Warn("drain before rebuild failed", "error", err)
		}
	}
	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		g.log.Warn("failed to stop pipeline", "error", err)
	}
	g.pipeline = nil
	g.src = nil
	g.pending = nil
}

func (g *gstBackend) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.teardownLocked(false)
	return nil
}
