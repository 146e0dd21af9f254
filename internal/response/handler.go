package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/alerting"
	"github.com/arpguard/arpguard/internal/metrics"
)

const (
	defaultPollInterval = 5 * time.Second
	ledgerLimit         = 1000
	ledgerKeep          = 500
	defaultMaxRecords   = 1000
)

// Condition compares one alert field with a literal. Field is "source" or
// "details.<key>".
type Condition struct {
	Field string `mapstructure:"field" yaml:"field" json:"field"`
	Value string `mapstructure:"value" yaml:"value" json:"value"`
}

func (c Condition) matches(alert alerting.Alert) bool {
	switch {
	case c.Field == "source":
		return alert.Source == c.Value
	case strings.HasPrefix(c.Field, "details."):
		key := strings.TrimPrefix(c.Field, "details.")
		if _, ok := alert.Details[key]; !ok {
			return false
		}
		return alert.DetailString(key) == c.Value
	default:
		return false
	}
}

// AlertRule binds alert criteria to an ordered list of actions.
type AlertRule struct {
	ID          string
	Name        string
	AlertTypes  []alerting.AlertType
	MinPriority alerting.Priority
	Conditions  []Condition
	Actions     []Action
}

// Matches reports whether the alert type is listed, the priority is at
// least MinPriority and every condition holds.
func (r *AlertRule) Matches(alert alerting.Alert) bool {
	typeOK := false
	for _, t := range r.AlertTypes {
		if t == alert.Type {
			typeOK = true
			break
		}
	}
	if !typeOK || alert.Priority < r.MinPriority {
		return false
	}
	for _, c := range r.Conditions {
		if !c.matches(alert) {
			return false
		}
	}
	return true
}

// AlertSource supplies the alerts the handler polls.
type AlertSource interface {
	GetActiveAlerts() []alerting.Alert
}

// RecordStatus is the outcome of one action execution.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "SUCCESS"
	RecordFailed  RecordStatus = "FAILED"
	RecordSkipped RecordStatus = "SKIPPED"
)

// Record is the audit entry for one executed action.
type Record struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	AlertID    string       `json:"alert_id"`
	RuleID     string       `json:"rule_id"`
	Action     string       `json:"action"`
	Status     RecordStatus `json:"status"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Interval   time.Duration
	MaxRecords int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Handler polls active alerts and runs every matching rule's actions once
// per alert.
type Handler struct {
	mu        sync.Mutex
	rules     []*AlertRule
	processed map[string]struct{}
	ledger    []string // processed ids, oldest first
	records   []Record

	source     AlertSource
	interval   time.Duration
	maxRecords int
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHandler(source AlertSource, opts HandlerOptions) *Handler {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = defaultMaxRecords
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		processed:  make(map[string]struct{}),
		source:     source,
		interval:   opts.Interval,
		maxRecords: opts.MaxRecords,
		metrics:    opts.Metrics,
		now:        opts.Now,
		logger:     opts.Logger.With().Str("component", "alert_handler").Logger(),
	}
}

// AddRule registers a rule. Ids must be unique.
func (h *Handler) AddRule(rule *AlertRule) error {
	if rule == nil || rule.ID == "" {
		return errors.New("alert rule requires an id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rules {
		if r.ID == rule.ID {
			return fmt.Errorf("alert rule %q already registered", rule.ID)
		}
	}
	h.rules = append(h.rules, rule)
	return nil
}

// RemoveRule unregisters a rule by id.
func (h *Handler) RemoveRule(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.rules {
		if r.ID == id {
			h.rules = append(h.rules[:i], h.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the registered rules in registration order.
func (h *Handler) Rules() []*AlertRule {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*AlertRule(nil), h.rules...)
}

// ProcessAlerts runs one pass over the active alerts and returns how many
// were newly processed.
func (h *Handler) ProcessAlerts(ctx context.Context) int {
	alerts := h.source.GetActiveAlerts()
	n := 0
	for _, alert := range alerts {
		if ctx.Err() != nil {
			break
		}
		if !h.markProcessed(alert.ID) {
			continue
		}
		n++
		for _, rule := range h.Rules() {
			if !rule.Matches(alert) {
				continue
			}
			if ok := h.executeRule(ctx, rule, alert); !ok {
				h.logger.Warn().
					Str("rule", rule.ID).
					Str("alert_id", alert.ID).
					Msg("alert rule completed with failed actions")
			}
		}
	}
	return n
}

// markProcessed records id in the ledger and reports whether it was new.
func (h *Handler) markProcessed(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, seen := h.processed[id]; seen {
		return false
	}
	h.processed[id] = struct{}{}
	h.ledger = append(h.ledger, id)
	if len(h.ledger) > ledgerLimit {
		drop := len(h.ledger) - ledgerKeep
		for _, old := range h.ledger[:drop] {
			delete(h.processed, old)
		}
		h.ledger = append([]string(nil), h.ledger[drop:]...)
	}
	return true
}

// executeRule runs every action in order. It returns false when any action
// failed; later actions run regardless.
func (h *Handler) executeRule(ctx context.Context, rule *AlertRule, alert alerting.Alert) bool {
	ok := true
	for _, action := range rule.Actions {
		rec := h.runAction(ctx, rule, action, alert)
		h.addRecord(rec)
		if rec.Status == RecordFailed {
			ok = false
		}
	}
	return ok
}

func (h *Handler) runAction(ctx context.Context, rule *AlertRule, action Action, alert alerting.Alert) (rec Record) {
	start := h.now()
	rec = Record{
		ID:        uuid.New().String(),
		Timestamp: start.UTC(),
		AlertID:   alert.ID,
		RuleID:    rule.ID,
		Action:    action.Name(),
	}
	defer func() {
		if r := recover(); r != nil {
			rec.Status = RecordFailed
			rec.Error = fmt.Sprintf("panic: %v", r)
			h.logger.Error().Interface("panic", r).Str("action", rec.Action).Msg("response action panicked")
		}
		rec.DurationMs = h.now().Sub(start).Milliseconds()
		h.metrics.Action(rec.Action, rec.Status != RecordFailed)
	}()

	err := action.Execute(ctx, alert)
	switch {
	case err == nil:
		rec.Status = RecordSuccess
		h.logger.Info().
			Str("rule", rule.ID).
			Str("action", rec.Action).
			Str("alert_id", alert.ID).
			Msg("response action executed")
	case errors.Is(err, ErrNotApplicable):
		rec.Status = RecordSkipped
		rec.Error = err.Error()
	default:
		rec.Status = RecordFailed
		rec.Error = err.Error()
		h.logger.Warn().Err(err).
			Str("rule", rule.ID).
			Str("action", rec.Action).
			Str("alert_id", alert.ID).
			Msg("response action failed")
	}
	return rec
}

func (h *Handler) addRecord(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if over := len(h.records) - h.maxRecords; over > 0 {
		h.records = append([]Record(nil), h.records[over:]...)
	}
}

// Records returns the newest limit audit records, newest first. limit <= 0
// returns all.
func (h *Handler) Records(limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, 0, len(h.records))
	for i := len(h.records) - 1; i >= 0; i-- {
		out = append(out, h.records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ProcessedCount returns the size of the processed-alert ledger.
func (h *Handler) ProcessedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ledger)
}

// Start polls for alerts on the configured interval until ctx is cancelled
// or Stop is called.
func (h *Handler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.ProcessAlerts(ctx)
			}
		}
	}()
	h.logger.Info().Dur("interval", h.interval).Msg("alert handler started")
}

// Stop ends the polling loop and waits for the current pass to finish.
func (h *Handler) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
