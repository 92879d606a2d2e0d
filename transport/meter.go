package transport

import (
	"sync"
	"time"
)

// meter turns completed writes into a windowed bitrate. The rate is
// recomputed once per window from the bytes written during it, so an idle
// window reads zero.
type meter struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	start time.Time
	bytes int64
	mbps  float64
}

func newMeter(window time.Duration) *meter {
	m := &meter{window: window, now: time.Now}
	m.start = m.now()
	return m
}

func (m *meter) add(n int) {
	m.mu.Lock()
	m.rollLocked()
	m.bytes += int64(n)
	m.mu.Unlock()
}

// rate returns the bitrate of the last completed window in Mb/s.
func (m *meter) rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return m.mbps
}

func (m *meter) reset() {
	m.mu.Lock()
	m.start = m.now()
	m.bytes = 0
	m.mbps = 0
	m.mu.Unlock()
}

func (m *meter) rollLocked() {
	now := m.now()
	elapsed := now.Sub(m.start)
	if elapsed < m.window {
		return
	}
	m.mbps = float64(m.bytes) * 8 / elapsed.Seconds() / 1e6
	m.bytes = 0
	m.start = now
}
