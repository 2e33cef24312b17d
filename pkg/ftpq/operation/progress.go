package operation

import (
	"sync"
	"time"
)

// speedWindow is how far back the meter looks when computing the
// current transfer speed.
const speedWindow = 5 * time.Second

// SpeedMeter tracks bytes transferred over a sliding window. It is
// reset whenever the operation leaves an idle-looking state so that
// user-decision wait time never dilutes the reported speed.
type SpeedMeter struct {
	mu      sync.Mutex
	total   int64
	samples []speedSample
	now     func() time.Time // test hook
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// NewSpeedMeter creates an empty meter.
func NewSpeedMeter() *SpeedMeter {
	return &SpeedMeter{now: time.Now}
}

// Add records n transferred bytes.
func (m *SpeedMeter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.total += n
	m.samples = append(m.samples, speedSample{at: m.now(), bytes: n})
	m.trimLocked()
	m.mu.Unlock()
}

// Total returns all bytes recorded since the last Reset.
func (m *SpeedMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// BytesPerSecond returns the speed over the sliding window.
func (m *SpeedMeter) BytesPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked()
	if len(m.samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range m.samples {
		sum += s.bytes
	}
	span := m.now().Sub(m.samples[0].at)
	if span < time.Second {
		span = time.Second
	}
	return float64(sum) / span.Seconds()
}

// ETA estimates the remaining time for the given byte count, or -1
// when the speed is unknown.
func (m *SpeedMeter) ETA(remaining int64) time.Duration {
	bps := m.BytesPerSecond()
	if bps <= 0 || remaining <= 0 {
		return -1
	}
	return time.Duration(float64(remaining)/bps) * time.Second
}

// Reset drops the window and the running total.
func (m *SpeedMeter) Reset() {
	m.mu.Lock()
	m.total = 0
	m.samples = m.samples[:0]
	m.mu.Unlock()
}

func (m *SpeedMeter) trimLocked() {
	cutoff := m.now().Add(-speedWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
