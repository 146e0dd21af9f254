package threshold

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/metrics"
	"github.com/arpguard/arpguard/internal/ratemon"
)

// Threshold names and metrics created for every detector.
const (
	MetricHighRate     = "high_rate"
	MetricCriticalRate = "critical_rate"
	NameWarning        = "warning"
	NameCritical       = "critical"
)

// RateMonitor is the read side of the rate source the manager samples.
type RateMonitor interface {
	GetStatus() map[string]ratemon.Status
}

// Defaults seeds the two thresholds created per detector.
type Defaults struct {
	WarningInitial  float64
	WarningMin      float64
	WarningMax      *float64
	WarningWindow   int
	CriticalInitial float64
	CriticalMin     float64
	CriticalMax     *float64
	CriticalWindow  int
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Path           string
	UpdateInterval time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Manager owns every AdaptiveThreshold and keeps them fed from the rate
// monitor.
type Manager struct {
	mu         sync.Mutex
	thresholds map[string]*AdaptiveThreshold

	monitor  RateMonitor
	path     string
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager reading from monitor.
func NewManager(monitor RateMonitor, opts ManagerOptions) *Manager {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		thresholds: make(map[string]*AdaptiveThreshold),
		monitor:    monitor,
		path:       opts.Path,
		interval:   opts.UpdateInterval,
		metrics:    opts.Metrics,
		now:        opts.Now,
		logger:     opts.Logger.With().Str("component", "threshold_manager").Logger(),
	}
}

// Add registers t, replacing any threshold with the same key.
func (m *Manager) Add(t *AdaptiveThreshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[t.Key()] = t
}

// Remove deletes a threshold by key.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.thresholds[key]; !ok {
		return false
	}
	delete(m.thresholds, key)
	return true
}

// CreateDefaultThresholds adds the warning and critical thresholds for
// detector unless they already exist (for example after Load).
func (m *Manager) CreateDefaultThresholds(detector string, d Defaults) {
	warning := New(Params{
		Name:               NameWarning,
		Detector:           detector,
		Metric:             MetricHighRate,
		InitialValue:       d.WarningInitial,
		MinValue:           d.WarningMin,
		MaxValue:           d.WarningMax,
		LearningRate:       0.1,
		WindowSize:         orDefault(d.WarningWindow, 50),
		AdaptationInterval: 30 * time.Second,
		StdDevFactor:       3.0,
	})
	critical := New(Params{
		Name:               NameCritical,
		Detector:           detector,
		Metric:             MetricCriticalRate,
		InitialValue:       d.CriticalInitial,
		MinValue:           d.CriticalMin,
		MaxValue:           d.CriticalMax,
		LearningRate:       0.05,
		WindowSize:         orDefault(d.CriticalWindow, 100),
		AdaptationInterval: 60 * time.Second,
		StdDevFactor:       4.0,
		UsePercentile:      true,
		Percentile:         99,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, t := range []*AdaptiveThreshold{warning, critical} {
		if _, exists := m.thresholds[t.Key()]; exists {
			continue
		}
		m.thresholds[t.Key()] = t
		created++
	}
	if created > 0 {
		m.logger.Info().Str("detector", detector).Int("created", created).Msg("default thresholds created")
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Value returns the current value of a threshold.
func (m *Manager) Value(detector, metric, name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[Key(detector, metric, name)]
	if !ok {
		return 0, false
	}
	return t.CurrentValue, true
}

// View is a read-only copy of a threshold.
type View struct {
	Key                string        `json:"key"`
	Name               string        `json:"name"`
	Detector           string        `json:"detector"`
	Metric             string        `json:"metric"`
	CurrentValue       float64       `json:"current_value"`
	MinValue           float64       `json:"min_value"`
	MaxValue           *float64      `json:"max_value,omitempty"`
	LearningRate       float64       `json:"learning_rate"`
	WindowSize         int           `json:"window_size"`
	AdaptationInterval time.Duration `json:"adaptation_interval"`
	UsePercentile      bool          `json:"use_percentile"`
	Percentile         float64       `json:"percentile,omitempty"`
	LastAdaptationTime time.Time     `json:"last_adaptation_time"`
	AdaptationsCount   int           `json:"adaptations_count"`
	TotalAdjustment    float64       `json:"total_adjustment"`
	HistoryStats       Stats         `json:"history_stats"`
}

func viewOf(t *AdaptiveThreshold) View {
	v := View{
		Key:                t.Key(),
		Name:               t.Name,
		Detector:           t.Detector,
		Metric:             t.Metric,
		CurrentValue:       t.CurrentValue,
		MinValue:           t.MinValue,
		LearningRate:       t.LearningRate,
		WindowSize:         t.WindowSize,
		AdaptationInterval: t.AdaptationInterval,
		UsePercentile:      t.UsePercentile,
		Percentile:         t.Percentile,
		LastAdaptationTime: t.LastAdaptationTime,
		AdaptationsCount:   t.AdaptationsCount,
		TotalAdjustment:    t.TotalAdjustment,
		HistoryStats:       t.HistoryStats(),
	}
	if t.MaxValue != nil {
		mx := *t.MaxValue
		v.MaxValue = &mx
	}
	return v
}

// Get returns a view of one threshold.
func (m *Manager) Get(key string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[key]
	if !ok {
		return View{}, false
	}
	return viewOf(t), true
}

// Snapshot returns views of all thresholds sorted by key.
func (m *Manager) Snapshot() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]View, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, viewOf(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Update samples the rate monitor into every threshold of each reported
// detector, adapts all thresholds and persists them when a path is set.
// It returns the number of thresholds that adapted.
func (m *Manager) Update() int {
	var status map[string]ratemon.Status
	if m.monitor != nil {
		status = m.monitor.GetStatus()
	}

	m.mu.Lock()
	now := m.now()
	adapted := 0
	for _, t := range m.thresholds {
		if st, ok := status[t.Detector]; ok {
			t.AddSample(st.CurrentRate)
		}
		if t.Adapt(now) {
			adapted++
			m.logger.Debug().
				Str("threshold", t.Key()).
				Float64("value", t.CurrentValue).
				Msg("threshold adapted")
		}
		m.metrics.SetThreshold(t.Detector, t.Metric, t.Name, t.CurrentValue)
	}
	m.mu.Unlock()

	if m.path != "" {
		if err := m.Save(m.path); err != nil {
			m.logger.Warn().Err(err).Str("path", m.path).Msg("failed to persist thresholds")
		}
	}
	return adapted
}

// Start runs Update on the configured interval until Stop is called or ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Update()
			}
		}
	}()
	m.logger.Info().Dur("interval", m.interval).Msg("threshold manager started")
}

// Stop ends the update loop and flushes thresholds to disk.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if m.path != "" {
		if err := m.Save(m.path); err != nil {
			m.logger.Warn().Err(err).Str("path", m.path).Msg("failed to persist thresholds on stop")
		}
	}
}
