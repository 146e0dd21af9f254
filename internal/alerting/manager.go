package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/metrics"
)

const (
	defaultMaxAlerts       = 10000
	defaultDeliveryTimeout = 5 * time.Second
)

// Filter decides whether a freshly created alert is kept. All registered
// filters must return true for the alert to be stored.
type Filter func(Alert) bool

// Options configures a Manager.
type Options struct {
	MaxAlerts       int
	DeliveryTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Manager stores alerts, applies filters and fans alerts out to channels.
type Manager struct {
	mu       sync.RWMutex
	alerts   map[string]*Alert
	order    []string // insertion order, oldest first
	channels []Channel
	filters  []Filter
	onUpdate func(Alert)

	maxAlerts int
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger

	deliveries sync.WaitGroup
}

// NewManager creates an alert manager.
func NewManager(opts Options) *Manager {
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = defaultMaxAlerts
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		alerts:    make(map[string]*Alert),
		maxAlerts: opts.MaxAlerts,
		timeout:   opts.DeliveryTimeout,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    opts.Logger.With().Str("component", "alert_manager").Logger(),
	}
}

// ----- Configuration -----

// AddChannel registers a delivery channel. A channel with the same name
// replaces the existing one.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.channels {
		if existing.Name() == ch.Name() {
			m.channels[i] = ch
			return
		}
	}
	m.channels = append(m.channels, ch)
}

// RemoveChannel unregisters a channel by name.
func (m *Manager) RemoveChannel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ch := range m.channels {
		if ch.Name() == name {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			return true
		}
	}
	return false
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch, true
		}
	}
	return nil, false
}

// Channels returns the registered channels.
func (m *Manager) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Channel(nil), m.channels...)
}

// AddFilter appends a filter.
func (m *Manager) AddFilter(f Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
}

// SetUpdateCallback registers fn to be called after every status change.
func (m *Manager) SetUpdateCallback(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// ----- Creation & delivery -----

// CreateAlert builds a NEW alert, runs the filters, stores it and notifies
// enabled channels. It returns nil when a filter rejected the alert.
// Channel delivery happens asynchronously and never fails the call.
func (m *Manager) CreateAlert(alertType AlertType, priority Priority, message, source string, details map[string]interface{}) *Alert {
	alert := &Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Priority:  priority,
		Message:   message,
		Timestamp: m.now().UTC(),
		Source:    source,
		Details:   make(map[string]interface{}, len(details)),
		Status:    StatusNew,
	}
	for k, v := range details {
		alert.Details[k] = v
	}

	m.mu.RLock()
	filters := append([]Filter(nil), m.filters...)
	m.mu.RUnlock()
	for _, f := range filters {
		if !f(*alert.Clone()) {
			m.metrics.AlertFiltered()
			m.logger.Debug().
				Str("type", string(alertType)).
				Str("priority", priority.String()).
				Str("source", source).
				Msg("alert filtered")
			return nil
		}
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.order = append(m.order, alert.ID)
	m.evictLocked()
	channels := append([]Channel(nil), m.channels...)
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.metrics.AlertCreated(string(alertType), priority.String())
	m.metrics.SetActiveAlerts(active)
	m.logger.Info().
		Str("alert_id", alert.ID).
		Str("type", string(alertType)).
		Str("priority", priority.String()).
		Str("source", source).
		Msg(message)

	for _, ch := range channels {
		if !ch.Enabled() {
			continue
		}
		m.deliveries.Add(1)
		go m.deliver(ch, *alert.Clone())
	}
	return alert.Clone()
}

// evictLocked drops the oldest alerts once the store exceeds maxAlerts.
func (m *Manager) evictLocked() {
	over := len(m.order) - m.maxAlerts
	if over <= 0 {
		return
	}
	for _, id := range m.order[:over] {
		delete(m.alerts, id)
	}
	m.order = append([]string(nil), m.order[over:]...)
	m.logger.Debug().Int("evicted", over).Msg("alert store trimmed")
}

func (m *Manager) deliver(ch Channel, alert Alert) {
	defer m.deliveries.Done()
	defer func() {
		if r := recover(); r != nil {
			m.metrics.Delivery(ch.Name(), false)
			m.logger.Error().
				Str("channel", ch.Name()).
				Str("alert_id", alert.ID).
				Interface("panic", r).
				Msg("alert channel panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := ch.Send(ctx, alert); err != nil {
		m.metrics.Delivery(ch.Name(), false)
		m.logger.Warn().Err(err).
			Str("channel", ch.Name()).
			Str("alert_id", alert.ID).
			Msg("alert delivery failed")
		return
	}
	m.metrics.Delivery(ch.Name(), true)
}

// Wait blocks until all in-flight channel deliveries have finished.
func (m *Manager) Wait() {
	m.deliveries.Wait()
}

// ----- Lifecycle -----

// Acknowledge moves a NEW alert to ACKNOWLEDGED.
func (m *Manager) Acknowledge(id, message string) bool {
	return m.transition(id, func(a *Alert, now time.Time) bool {
		if a.Status != StatusNew {
			return false
		}
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
		a.AcknowledgedMessage = message
		return true
	})
}

// Resolve moves a NEW or ACKNOWLEDGED alert to RESOLVED.
func (m *Manager) Resolve(id, message string) bool {
	return m.transition(id, func(a *Alert, now time.Time) bool {
		if !a.Status.Active() {
			return false
		}
		a.Status = StatusResolved
		a.ResolvedAt = &now
		a.ResolvedMessage = message
		return true
	})
}

// Ignore moves a NEW alert to IGNORED.
func (m *Manager) Ignore(id, message string) bool {
	return m.transition(id, func(a *Alert, now time.Time) bool {
		if a.Status != StatusNew {
			return false
		}
		a.Status = StatusIgnored
		a.ResolvedAt = &now
		a.ResolvedMessage = message
		return true
	})
}

// Close moves a NEW alert to CLOSED.
func (m *Manager) Close(id, message string) bool {
	return m.transition(id, func(a *Alert, now time.Time) bool {
		if a.Status != StatusNew {
			return false
		}
		a.Status = StatusClosed
		a.ResolvedAt = &now
		a.ResolvedMessage = message
		return true
	})
}

func (m *Manager) transition(id string, apply func(*Alert, time.Time) bool) bool {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	from := a.Status
	if !apply(a, m.now().UTC()) {
		m.mu.Unlock()
		m.logger.Debug().Str("alert_id", id).Str("status", string(from)).Msg("invalid alert transition")
		return false
	}
	updated := *a.Clone()
	cb := m.onUpdate
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.metrics.SetActiveAlerts(active)
	m.logger.Info().
		Str("alert_id", id).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Msg("alert status changed")
	if cb != nil {
		cb(updated)
	}
	return true
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, a := range m.alerts {
		if a.Status.Active() {
			n++
		}
	}
	return n
}

// ----- Queries -----

// Query selects alerts. Zero-valued fields do not filter.
type Query struct {
	Status      Status
	Type        AlertType
	MinPriority *Priority
	Source      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (q Query) matches(a *Alert) bool {
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.MinPriority != nil && a.Priority < *q.MinPriority {
		return false
	}
	if q.Source != "" && a.Source != q.Source {
		return false
	}
	if !q.Since.IsZero() && a.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && a.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// GetAlerts returns copies of matching alerts, newest first.
func (m *Manager) GetAlerts(q Query) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for i := len(m.order) - 1; i >= 0; i-- {
		a := m.alerts[m.order[i]]
		if !q.matches(a) {
			continue
		}
		out = append(out, *a.Clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// GetActiveAlerts returns NEW and ACKNOWLEDGED alerts, oldest first.
func (m *Manager) GetActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, id := range m.order {
		if a := m.alerts[id]; a.Status.Active() {
			out = append(out, *a.Clone())
		}
	}
	return out
}

// GetAlert returns a copy of one alert.
func (m *Manager) GetAlert(id string) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a.Clone(), true
}

// Count returns the number of stored alerts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

// Stats summarises the alert store.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
	ByType     map[string]int `json:"by_type"`
	Channels   []ChannelInfo  `json:"channels"`
}

// ChannelInfo describes a registered channel.
type ChannelInfo struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Total:      len(m.alerts),
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ByType:     make(map[string]int),
	}
	for _, a := range m.alerts {
		if a.Status.Active() {
			s.Active++
		}
		s.ByStatus[string(a.Status)]++
		s.ByPriority[a.Priority.String()]++
		s.ByType[string(a.Type)]++
	}
	for _, ch := range m.channels {
		s.Channels = append(s.Channels, ChannelInfo{Name: ch.Name(), Enabled: ch.Enabled()})
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Name < s.Channels[j].Name })
	return s
}

// String implements fmt.Stringer for log output.
func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", a.Priority, a.Type, a.Source, a.Message)
}
