package operation

import (
	"testing"
	"time"
)

func newTestMeter() (*SpeedMeter, *time.Time) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewSpeedMeter()
	m.now = func() time.Time { return at }
	return m, &at
}

func TestSpeedMeter(t *testing.T) {
	t.Run("speed over the window", func(t *testing.T) {
		m, at := newTestMeter()
		m.Add(1000)
		*at = at.Add(2 * time.Second)
		m.Add(1000)
		// 2000 bytes over a 2 second span, clamped minimum 1s.
		if bps := m.BytesPerSecond(); bps != 1000 {
			t.Errorf("BytesPerSecond = %v, want 1000", bps)
		}
	})

	t.Run("short spans clamp to one second", func(t *testing.T) {
		m, _ := newTestMeter()
		m.Add(5000)
		if bps := m.BytesPerSecond(); bps != 5000 {
			t.Errorf("BytesPerSecond = %v, want 5000", bps)
		}
	})

	t.Run("old samples fall out of the window", func(t *testing.T) {
		m, at := newTestMeter()
		m.Add(1000)
		*at = at.Add(10 * time.Second)
		if bps := m.BytesPerSecond(); bps != 0 {
			t.Errorf("BytesPerSecond = %v, want 0 after the window emptied", bps)
		}
		if m.Total() != 1000 {
			t.Errorf("Total = %d, want 1000 (total survives trimming)", m.Total())
		}
	})

	t.Run("reset clears everything", func(t *testing.T) {
		m, _ := newTestMeter()
		m.Add(1000)
		m.Reset()
		if m.Total() != 0 || m.BytesPerSecond() != 0 {
			t.Error("reset must clear total and window")
		}
	})

	t.Run("non-positive adds ignored", func(t *testing.T) {
		m, _ := newTestMeter()
		m.Add(0)
		m.Add(-5)
		if m.Total() != 0 {
			t.Errorf("Total = %d, want 0", m.Total())
		}
	})
}

func TestSpeedMeterETA(t *testing.T) {
	m, at := newTestMeter()
	if m.ETA(1000) != -1 {
		t.Error("no samples: ETA must be unknown")
	}
	m.Add(1000)
	*at = at.Add(1 * time.Second)
	m.Add(1000)
	// 2000 bytes over 1s; 4000 remaining at 2000 B/s is 2s.
	if eta := m.ETA(4000); eta != 2*time.Second {
		t.Errorf("ETA = %v, want 2s", eta)
	}
	if m.ETA(0) != -1 {
		t.Error("nothing remaining: ETA must be unknown")
	}
}
