package ratemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultWindow = 10 * time.Second
	idleExpiry    = 10 * time.Minute
)

// Status is the rate view of one detector.
type Status struct {
	CurrentRate float64   `json:"current_rate"`
	AverageRate float64   `json:"average_rate"`
	PeakRate    float64   `json:"peak_rate"`
	TotalCount  int64     `json:"total_count"`
	LastUpdate  time.Time `json:"last_update"`
}

type detectorCounter struct {
	window   time.Duration
	buckets  map[int64]int64 // unix second -> packets
	total    int64
	peak     float64
	average  float64
	samples  int64
	lastSeen time.Time
	implicit bool // created by UpdatePacketCount, dropped once idle
}

// Monitor tracks packet rates per detector over a sliding window of
// one-second buckets.
type Monitor struct {
	mu        sync.RWMutex
	detectors map[string]*detectorCounter
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates an empty Monitor.
func New(logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		detectors: make(map[string]*detectorCounter),
		now:       time.Now,
		logger:    logger.With().Str("component", "rate_monitor").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterDetector creates a counter for name. A zero window uses the
// default of ten seconds. Registering an existing detector is a no-op.
func (m *Monitor) RegisterDetector(name string, window time.Duration) {
	if window <= 0 {
		window = defaultWindow
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.detectors[name]; ok {
		return
	}
	m.detectors[name] = &detectorCounter{
		window:  window,
		buckets: make(map[int64]int64),
	}
	m.logger.Debug().Str("detector", name).Dur("window", window).Msg("detector registered")
}

// UpdatePacketCount adds count packets to the detector's current second.
// Unknown detectors are registered with the default window and removed by
// the cleanup loop once idle.
func (m *Monitor) UpdatePacketCount(name string, count int) {
	if count < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.detectors[name]
	if !ok {
		c = &detectorCounter{window: defaultWindow, buckets: make(map[int64]int64), implicit: true}
		m.detectors[name] = c
	}
	now := m.now()
	c.buckets[now.Unix()] += int64(count)
	c.total += int64(count)
	c.lastSeen = now
	c.pruneLocked(now)

	rate := c.rateLocked(now)
	if rate > c.peak {
		c.peak = rate
	}
	c.samples++
	c.average += (rate - c.average) / float64(c.samples)
}

func (c *detectorCounter) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window).Unix()
	for sec := range c.buckets {
		if sec <= cutoff {
			delete(c.buckets, sec)
		}
	}
}

func (c *detectorCounter) rateLocked(now time.Time) float64 {
	cutoff := now.Add(-c.window).Unix()
	var sum int64
	for sec, n := range c.buckets {
		if sec > cutoff {
			sum += n
		}
	}
	return float64(sum) / c.window.Seconds()
}

// GetStatus returns the current rate of every detector.
func (m *Monitor) GetStatus() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make(map[string]Status, len(m.detectors))
	for name, c := range m.detectors {
		out[name] = Status{
			CurrentRate: c.rateLocked(now),
			AverageRate: c.average,
			PeakRate:    c.peak,
			TotalCount:  c.total,
			LastUpdate:  c.lastSeen,
		}
	}
	return out
}

// CleanupLoop prunes expired buckets. Detectors idle for longer than ten
// minutes have their statistics reset, or are removed when they were never
// registered.
func (m *Monitor) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Monitor) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for name, c := range m.detectors {
		c.pruneLocked(now)
		if c.implicit && now.Sub(c.lastSeen) > idleExpiry {
			delete(m.detectors, name)
			m.logger.Debug().Str("detector", name).Msg("idle unregistered detector removed")
			continue
		}
		if c.samples > 0 && now.Sub(c.lastSeen) > idleExpiry {
			c.peak = 0
			c.average = 0
			c.samples = 0
			m.logger.Debug().Str("detector", name).Msg("idle detector statistics reset")
		}
	}
}
