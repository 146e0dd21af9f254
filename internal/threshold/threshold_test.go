package threshold

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/ratemon"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type staticMonitor struct{ status map[string]ratemon.Status }

func (s *staticMonitor) GetStatus() map[string]ratemon.Status { return s.status }

// ─── Percentile ──────────────────────────────────────────────────────────────

func TestPercentile(t *testing.T) {
	data := []float64{5, 1, 4, 2, 3}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{100, 5},
		{50, 3},
		{25, 2},
		{90, 4.6},
	}
	for _, tt := range tests {
		if got := Percentile(data, tt.p); !approx(got, tt.want) {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := Percentile([]float64{42}, 99); got != 42 {
		t.Errorf("single element = %v, want 42", got)
	}
	if got := Percentile(nil, 50); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
}

// ─── AdaptiveThreshold ───────────────────────────────────────────────────────

func TestAddSample_HistoryBounded(t *testing.T) {
	th := New(Params{WindowSize: 5})
	for i := 0; i < 23; i++ {
		th.AddSample(float64(i))
		if n := len(th.History()); n > 5 {
			t.Fatalf("history length %d exceeds window", n)
		}
	}
	h := th.History()
	if h[0] != 18 || h[4] != 22 {
		t.Errorf("expected oldest samples evicted, got %v", h)
	}
}

func TestAdapt_StdDevOfConstantHistory(t *testing.T) {
	th := New(Params{InitialValue: 100, LearningRate: 1.0, WindowSize: 10, StdDevFactor: 2})
	for i := 0; i < 4; i++ {
		th.AddSample(10)
	}
	if !th.Adapt(t0) {
		t.Fatal("Adapt returned false")
	}
	if th.CurrentValue != 10 {
		t.Errorf("current = %v, want 10", th.CurrentValue)
	}
	if th.AdaptationsCount != 1 || !approx(th.TotalAdjustment, -90) {
		t.Errorf("count=%d adjustment=%v", th.AdaptationsCount, th.TotalAdjustment)
	}
}

func TestAdapt_SingleSampleUsesOneAndAHalf(t *testing.T) {
	th := New(Params{InitialValue: 0, LearningRate: 1.0, WindowSize: 10})
	th.AddSample(20)
	th.Adapt(t0)
	if th.CurrentValue != 30 {
		t.Errorf("current = %v, want 30", th.CurrentValue)
	}
}

func TestAdapt_PercentileAndSmoothing(t *testing.T) {
	th := New(Params{InitialValue: 100, LearningRate: 0.5, WindowSize: 10, UsePercentile: true, Percentile: 100})
	for _, v := range []float64{10, 50, 200} {
		th.AddSample(v)
	}
	th.Adapt(t0)
	if th.CurrentValue != 150 {
		t.Errorf("current = %v, want 150", th.CurrentValue)
	}
}

func TestAdapt_ClampsToBounds(t *testing.T) {
	th := New(Params{InitialValue: 500, MinValue: 50, MaxValue: ptr(1000), LearningRate: 1.0, WindowSize: 10})
	th.AddSample(5000)
	th.Adapt(t0)
	if th.CurrentValue != 1000 {
		t.Errorf("upper clamp: %v", th.CurrentValue)
	}

	low := New(Params{InitialValue: 500, MinValue: 50, LearningRate: 1.0, WindowSize: 10})
	low.AddSample(1)
	low.Adapt(t0)
	if low.CurrentValue != 50 {
		t.Errorf("lower clamp: %v", low.CurrentValue)
	}
}

func TestAdapt_IntervalAndEmptyHistoryAreNoOps(t *testing.T) {
	th := New(Params{InitialValue: 100, LearningRate: 1.0, WindowSize: 10, AdaptationInterval: 30 * time.Second})
	if th.Adapt(t0) {
		t.Error("Adapt with empty history should return false")
	}
	th.AddSample(10)
	if !th.Adapt(t0) {
		t.Fatal("first Adapt should run")
	}
	before := th.CurrentValue
	th.AddSample(1000)
	if th.Adapt(t0.Add(10 * time.Second)) {
		t.Error("Adapt inside interval should return false")
	}
	if th.CurrentValue != before {
		t.Errorf("value changed inside interval: %v -> %v", before, th.CurrentValue)
	}
	if !th.Adapt(t0.Add(30 * time.Second)) {
		t.Error("Adapt after interval should run")
	}
}

func TestHistoryStats(t *testing.T) {
	th := New(Params{WindowSize: 10})
	if s := th.HistoryStats(); s.Count != 0 || s.StdDev != nil {
		t.Errorf("empty stats: %+v", s)
	}
	th.AddSample(7)
	if s := th.HistoryStats(); s.StdDev != nil {
		t.Error("std_dev should be absent for one sample")
	}
	th.AddSample(9)
	s := th.HistoryStats()
	if s.Min != 7 || s.Max != 9 || s.Mean != 8 || s.StdDev == nil || *s.StdDev != 1 {
		t.Errorf("stats = %+v", s)
	}
}

// ─── Manager ─────────────────────────────────────────────────────────────────

func TestManager_DefaultThresholds(t *testing.T) {
	m := NewManager(nil, ManagerOptions{Logger: zerolog.Nop()})
	m.CreateDefaultThresholds("interface:eth0", Defaults{
		WarningInitial: 500, WarningMin: 50, WarningMax: ptr(10000),
		CriticalInitial: 1000, CriticalMin: 200, CriticalMax: ptr(20000),
	})

	w, ok := m.Get(Key("interface:eth0", MetricHighRate, NameWarning))
	if !ok || w.CurrentValue != 500 || w.LearningRate != 0.1 || w.WindowSize != 50 || w.AdaptationInterval != 30*time.Second {
		t.Errorf("warning threshold = %+v", w)
	}
	c, ok := m.Get(Key("interface:eth0", MetricCriticalRate, NameCritical))
	if !ok || !c.UsePercentile || c.Percentile != 99 || c.LearningRate != 0.05 || c.WindowSize != 100 || c.AdaptationInterval != time.Minute {
		t.Errorf("critical threshold = %+v", c)
	}
}

func TestManager_DefaultsDoNotOverwriteExisting(t *testing.T) {
	m := NewManager(nil, ManagerOptions{Logger: zerolog.Nop()})
	m.Add(New(Params{Name: NameWarning, Detector: "d", Metric: MetricHighRate, InitialValue: 42, WindowSize: 5}))
	m.CreateDefaultThresholds("d", Defaults{WarningInitial: 500, CriticalInitial: 1000})
	if v, _ := m.Value("d", MetricHighRate, NameWarning); v != 42 {
		t.Errorf("existing threshold overwritten: %v", v)
	}
	if _, ok := m.Value("d", MetricCriticalRate, NameCritical); !ok {
		t.Error("missing critical threshold not created")
	}
}

func TestManager_UpdateFeedsMatchingDetector(t *testing.T) {
	mon := &staticMonitor{status: map[string]ratemon.Status{
		"interface:eth0": {CurrentRate: 40},
	}}
	m := NewManager(mon, ManagerOptions{Logger: zerolog.Nop(), Now: func() time.Time { return t0 }})
	m.Add(New(Params{Name: "a", Detector: "interface:eth0", Metric: "rate", InitialValue: 0, LearningRate: 1, WindowSize: 10}))
	m.Add(New(Params{Name: "b", Detector: "interface:eth1", Metric: "rate", InitialValue: 7, LearningRate: 1, WindowSize: 10}))

	if adapted := m.Update(); adapted != 1 {
		t.Errorf("adapted = %d, want 1", adapted)
	}
	if v, _ := m.Value("interface:eth0", "rate", "a"); v != 60 {
		t.Errorf("eth0 threshold = %v, want 60", v)
	}
	if v, _ := m.Value("interface:eth1", "rate", "b"); v != 7 {
		t.Errorf("eth1 threshold changed without samples: %v", v)
	}
}

func TestManager_StartStopFlushesPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "thresholds.json")
	m := NewManager(&staticMonitor{}, ManagerOptions{Logger: zerolog.Nop(), Path: path, UpdateInterval: 10 * time.Millisecond})
	m.CreateDefaultThresholds("d", Defaults{WarningInitial: 1, CriticalInitial: 2})
	m.Start(testContext(t))

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("thresholds not flushed on stop: %v", err)
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.json")
	m := NewManager(nil, ManagerOptions{Logger: zerolog.Nop(), Now: func() time.Time { return t0 }})
	th := New(Params{
		Name: NameCritical, Detector: "interface:eth0", Metric: MetricCriticalRate,
		InitialValue: 1000, MinValue: 200, MaxValue: ptr(20000), LearningRate: 0.05,
		WindowSize: 100, AdaptationInterval: time.Minute, UsePercentile: true, Percentile: 99,
	})
	th.AddSample(900)
	th.AddSample(1100)
	th.Adapt(t0)
	m.Add(th)
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewManager(nil, ManagerOptions{Logger: zerolog.Nop()})
	n, err := loaded.Load(path)
	if err != nil || n != 1 {
		t.Fatalf("Load: n=%d err=%v", n, err)
	}
	got, ok := loaded.Get(th.Key())
	if !ok {
		t.Fatal("threshold missing after load")
	}
	if !approx(got.CurrentValue, th.CurrentValue) || got.MinValue != 200 || got.MaxValue == nil || *got.MaxValue != 20000 ||
		got.Percentile != 99 || !got.UsePercentile || got.AdaptationInterval != time.Minute ||
		got.AdaptationsCount != 1 || !got.LastAdaptationTime.Equal(t0) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestManager_LoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(nil, ManagerOptions{Logger: zerolog.Nop()})
	if n, err := m.Load(filepath.Join(dir, "absent.json")); n != 0 || err != nil {
		t.Errorf("missing file: n=%d err=%v", n, err)
	}
	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte("{not json"), 0644)
	if _, err := m.Load(bad); err == nil {
		t.Error("expected parse error")
	}
}
