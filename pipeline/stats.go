package pipeline

import (
	"time"

	"github.com/bbarni2020/deskextend/encoder"
	"github.com/bbarni2020/deskextend/transport"
)

// Snapshot is the once-per-interval health report of an active session,
// suitable for JSON serialization to a dashboard.
type Snapshot struct {
	Timestamp       int64   `json:"timestamp"`
	SessionID       string  `json:"sessionId"`
	Mode            string  `json:"mode"`
	Connected       bool    `json:"connected"`
	Address         string  `json:"address"`
	BitrateMbps     float64 `json:"bitrateMbps"`
	FPS             int     `json:"fps"`
	MeasuredFPS     float64 `json:"measuredFps"`
	Resolution      string  `json:"resolution"`
	FramesSubmitted int64   `json:"framesSubmitted"`
	FramesEncoded   int64   `json:"framesEncoded"`
	FramesDropped   int64   `json:"framesDropped"`
	QueueDrops      int64   `json:"queueDrops"`
	UptimeMs        int64   `json:"uptimeMs"`
}

// Uptime returns UptimeMs as a duration.
func (s Snapshot) Uptime() time.Duration {
	return time.Duration(s.UptimeMs) * time.Millisecond
}

// fpsTracker measures the encoded frame rate between snapshots.
type fpsTracker struct {
	lastAt      time.Time
	lastEncoded int64
}

func (f *fpsTracker) sample(now time.Time, encoded int64) float64 {
	defer func() { f.lastAt, f.lastEncoded = now, encoded }()
	if f.lastAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(f.lastAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(encoded-f.lastEncoded) / elapsed
}

func buildSnapshot(s *session, now time.Time, ts transport.Stats, c encoder.Counters) Snapshot {
	snap := Snapshot{
		Timestamp:       now.UnixMilli(),
		SessionID:       s.id,
		Mode:            s.req.Mode.Kind.String(),
		Connected:       ts.Connected,
		Address:         ts.Address,
		BitrateMbps:     ts.BitrateMbps,
		FPS:             s.req.Config.FPS,
		MeasuredFPS:     s.fps.sample(now, c.Encoded),
		Resolution:      s.req.Config.Resolution(),
		FramesSubmitted: c.Submitted,
		FramesEncoded:   c.Encoded,
		FramesDropped:   c.Dropped,
		QueueDrops:      ts.QueueDrops,
	}
	if !s.captureStarted.IsZero() {
		snap.UptimeMs = now.Sub(s.captureStarted).Milliseconds()
	}
	return snap
}
