package ratemon

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMonitor_CurrentRateOverWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(zerolog.Nop(), WithClock(c.now))
	m.RegisterDetector("interface:eth0", 10*time.Second)

	for i := 0; i < 5; i++ {
		m.UpdatePacketCount("interface:eth0", 100)
		c.t = c.t.Add(time.Second)
	}
	st := m.GetStatus()["interface:eth0"]
	if st.CurrentRate != 50 {
		t.Errorf("current rate = %.1f, want 50", st.CurrentRate)
	}
	if st.TotalCount != 500 {
		t.Errorf("total = %d, want 500", st.TotalCount)
	}
	if st.PeakRate != 50 {
		t.Errorf("peak = %.1f, want 50", st.PeakRate)
	}
}

func TestMonitor_OldBucketsLeaveWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(zerolog.Nop(), WithClock(c.now))
	m.RegisterDetector("d", 5*time.Second)
	m.UpdatePacketCount("d", 50)
	c.t = c.t.Add(30 * time.Second)

	st := m.GetStatus()["d"]
	if st.CurrentRate != 0 {
		t.Errorf("expected rate 0 after window, got %.1f", st.CurrentRate)
	}
	if st.PeakRate != 10 {
		t.Errorf("peak = %.1f, want 10", st.PeakRate)
	}
}

func TestMonitor_UnknownDetectorAutoRegisters(t *testing.T) {
	m := New(zerolog.Nop())
	m.UpdatePacketCount("interface:wlan0", 3)
	if _, ok := m.GetStatus()["interface:wlan0"]; !ok {
		t.Error("detector not registered implicitly")
	}
}

func TestMonitor_NegativeCountIgnored(t *testing.T) {
	m := New(zerolog.Nop())
	m.RegisterDetector("d", 0)
	m.UpdatePacketCount("d", -10)
	if st := m.GetStatus()["d"]; st.TotalCount != 0 {
		t.Errorf("total = %d, want 0", st.TotalCount)
	}
}

func TestMonitor_CleanupResetsIdleStatistics(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(zerolog.Nop(), WithClock(c.now))
	m.RegisterDetector("d", 0)
	m.UpdatePacketCount("d", 100)
	c.t = c.t.Add(11 * time.Minute)
	m.cleanup()
	st := m.GetStatus()["d"]
	if st.PeakRate != 0 || st.AverageRate != 0 {
		t.Errorf("idle stats not reset: %+v", st)
	}
	if st.TotalCount != 100 {
		t.Errorf("total should be preserved, got %d", st.TotalCount)
	}
}

func TestMonitor_CleanupRemovesIdleUnregistered(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(zerolog.Nop(), WithClock(c.now))
	m.UpdatePacketCount("interface:spoofed0", 1)
	m.UpdatePacketCount("interface:spoofed1", 1)
	c.t = c.t.Add(5 * time.Minute)
	m.UpdatePacketCount("interface:spoofed1", 1)

	c.t = c.t.Add(6 * time.Minute)
	m.cleanup()
	st := m.GetStatus()
	if _, ok := st["interface:spoofed0"]; ok {
		t.Error("idle unregistered detector kept")
	}
	if _, ok := st["interface:spoofed1"]; !ok {
		t.Error("recently active detector removed")
	}
}
