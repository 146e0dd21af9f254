package ratedetect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/alerting"
	"github.com/arpguard/arpguard/internal/metrics"
	"github.com/arpguard/arpguard/internal/ratemon"
	"github.com/arpguard/arpguard/internal/threshold"
)

const (
	detectorPrefix       = "interface:"
	defaultCheckInterval = time.Second
	alertSource          = "rate_detection"
)

// RateMonitor is the external rate source the integration drives.
type RateMonitor interface {
	RegisterDetector(name string, window time.Duration)
	UpdatePacketCount(name string, count int)
	GetStatus() map[string]ratemon.Status
}

// AlertSink receives rate anomaly alerts.
type AlertSink interface {
	CreateAlert(alertType alerting.AlertType, priority alerting.Priority, message, source string, details map[string]interface{}) *alerting.Alert
}

// ARPDefaults are the seed thresholds for an interface detector.
func ARPDefaults() threshold.Defaults {
	warnMax, critMax := 10000.0, 20000.0
	return threshold.Defaults{
		WarningInitial:  500,
		WarningMin:      50,
		WarningMax:      &warnMax,
		CriticalInitial: 1000,
		CriticalMin:     200,
		CriticalMax:     &critMax,
	}
}

// Options configures an Integration.
type Options struct {
	ThresholdPath  string
	CheckInterval  time.Duration
	UpdateInterval time.Duration
	RateWindow     time.Duration
	Defaults       *threshold.Defaults
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Integration ties the rate monitor, the adaptive thresholds and the alert
// manager together.
type Integration struct {
	mu        sync.Mutex
	pending   map[string]int // detector -> packets not yet flushed
	detectors map[string]struct{}

	alerts     AlertSink
	monitor    RateMonitor
	thresholds *threshold.Manager
	defaults   threshold.Defaults
	window     time.Duration
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an integration. Persisted thresholds are loaded from
// ThresholdPath when present; load failures are logged and defaults are used.
func New(alerts AlertSink, monitor RateMonitor, opts Options) *Integration {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	defaults := ARPDefaults()
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	logger := opts.Logger.With().Str("component", "rate_detection").Logger()

	mgr := threshold.NewManager(monitor, threshold.ManagerOptions{
		Path:           opts.ThresholdPath,
		UpdateInterval: opts.UpdateInterval,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		Now:            opts.Now,
	})
	if opts.ThresholdPath != "" {
		n, err := mgr.Load(opts.ThresholdPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", opts.ThresholdPath).Msg("failed to load thresholds, using defaults")
		} else if n > 0 {
			logger.Info().Int("count", n).Str("path", opts.ThresholdPath).Msg("thresholds loaded")
		}
	}

	return &Integration{
		pending:    make(map[string]int),
		detectors:  make(map[string]struct{}),
		alerts:     alerts,
		monitor:    monitor,
		thresholds: mgr,
		defaults:   defaults,
		window:     opts.RateWindow,
		interval:   opts.CheckInterval,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// DetectorName returns the detector key for an interface.
func DetectorName(iface string) string {
	return detectorPrefix + iface
}

// AddInterfaceDetector registers the interface with the rate monitor and
// creates its warning and critical thresholds.
func (i *Integration) AddInterfaceDetector(iface string) string {
	name := DetectorName(iface)
	i.monitor.RegisterDetector(name, i.window)
	i.thresholds.CreateDefaultThresholds(name, i.defaults)

	i.mu.Lock()
	i.detectors[name] = struct{}{}
	i.mu.Unlock()

	i.logger.Info().Str("interface", iface).Str("detector", name).Msg("interface detector added")
	return name
}

// Interfaces returns the registered interface names.
func (i *Integration) Interfaces() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.detectors))
	for name := range i.detectors {
		out = append(out, strings.TrimPrefix(name, detectorPrefix))
	}
	sort.Strings(out)
	return out
}

// UpdatePacketCount forwards count packets for iface to the rate monitor.
func (i *Integration) UpdatePacketCount(iface string, count int) {
	i.monitor.UpdatePacketCount(DetectorName(iface), count)
}

// RecordPacket counts one packet for iface. Counts are flushed to the rate
// monitor on the next tick. Interfaces without a detector are ignored.
func (i *Integration) RecordPacket(iface string) {
	name := DetectorName(iface)
	i.mu.Lock()
	if _, ok := i.detectors[name]; ok {
		i.pending[name]++
	}
	i.mu.Unlock()
}

// Flush forwards accumulated packet counts to the rate monitor.
func (i *Integration) Flush() {
	i.mu.Lock()
	pending := i.pending
	i.pending = make(map[string]int, len(pending))
	i.mu.Unlock()

	for name, n := range pending {
		i.monitor.UpdatePacketCount(name, n)
	}
}

// CheckThresholds compares each detector's current rate with its thresholds
// and raises at most one alert per detector: CRITICAL at or above the
// critical threshold, HIGH at or above the warning threshold.
func (i *Integration) CheckThresholds() []*alerting.Alert {
	status := i.monitor.GetStatus()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	var raised []*alerting.Alert
	for _, name := range names {
		rate := status[name].CurrentRate
		i.metrics.SetCurrentRate(name, rate)

		warning, okW := i.thresholds.Value(name, threshold.MetricHighRate, threshold.NameWarning)
		critical, okC := i.thresholds.Value(name, threshold.MetricCriticalRate, threshold.NameCritical)
		if !okW || !okC {
			continue
		}

		var (
			priority alerting.Priority
			limit    float64
			kind     string
		)
		switch {
		case rate >= critical:
			priority, limit, kind = alerting.PriorityCritical, critical, threshold.NameCritical
		case rate >= warning:
			priority, limit, kind = alerting.PriorityHigh, warning, threshold.NameWarning
		default:
			continue
		}

		iface := strings.TrimPrefix(name, detectorPrefix)
		msg := fmt.Sprintf("ARP packet rate on %s is %.1f pps, above %s threshold %.1f", iface, rate, kind, limit)
		a := i.alerts.CreateAlert(alerting.TypeRateAnomaly, priority, msg, alertSource, map[string]interface{}{
			"interface":      iface,
			"current_rate":   rate,
			"threshold":      limit,
			"threshold_type": kind,
		})
		if a != nil {
			raised = append(raised, a)
		}
	}
	return raised
}

// Thresholds exposes the owned threshold manager.
func (i *Integration) Thresholds() *threshold.Manager {
	return i.thresholds
}

// Start runs the threshold manager and the flush/check loop.
func (i *Integration) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.done = make(chan struct{})
	done := i.done
	i.mu.Unlock()

	i.thresholds.Start(ctx)
	go func() {
		defer close(done)
		ticker := time.NewTicker(i.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.Flush()
				i.CheckThresholds()
			}
		}
	}()
	i.logger.Info().Dur("interval", i.interval).Msg("rate detection started")
}

// Stop ends the loop and stops the threshold manager, which persists
// thresholds before returning.
func (i *Integration) Stop() {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	i.thresholds.Stop()
	i.logger.Info().Msg("rate detection stopped")
}
