package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/tracker"
)

// Engine evaluates registered rules against packets. Rules are evaluated in
// registration order. Predicates run under the engine lock and must not call
// back into the engine.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	order  []string
	custom map[string]Predicate

	hits             map[string]int
	totalEvaluations int64
	totalDetections  int64

	now    func() time.Time
	logger zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine preloaded with the built-in rules.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:  make(map[string]*Rule),
		custom: make(map[string]Predicate),
		hits:   make(map[string]int),
		now:    time.Now,
		logger: logger.With().Str("component", "rule_engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resetToDefaultsLocked()
	return e
}

func (e *Engine) resetToDefaultsLocked() {
	e.rules = make(map[string]*Rule)
	e.order = e.order[:0]
	for _, r := range DefaultRules() {
		e.rules[r.ID] = r
		e.order = append(e.order, r.ID)
	}
}

// RegisterPredicate makes a custom predicate available to rules whose
// condition is CustomCondition(name).
func (e *Engine) RegisterPredicate(name string, fn Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
}

// AddRule registers or replaces a rule.
func (e *Engine) AddRule(r *Rule) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("rule must have an id")
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("rule %s: threshold %.2f outside [0,1]", r.ID, r.Threshold)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; !exists {
		e.order = append(e.order, r.ID)
	}
	e.rules[r.ID] = r.clone()
	e.logger.Debug().Str("rule_id", r.ID).Str("condition", r.Condition.String()).Msg("rule registered")
	return nil
}

// RemoveRule deletes a rule. Returns false if it does not exist.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// EnableRule turns a rule on.
func (e *Engine) EnableRule(id string) bool { return e.setEnabled(id, true) }

// DisableRule turns a rule off.
func (e *Engine) DisableRule(id string) bool { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	return true
}

// GetRule returns a copy of a rule.
func (e *Engine) GetRule(id string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Rules returns copies of all rules in registration order.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].clone())
	}
	return out
}

func (e *Engine) predicateLocked(c Condition) (Predicate, bool) {
	if c.Kind == CondCustom {
		fn, ok := e.custom[c.Name]
		return fn, ok
	}
	fn, ok := builtinPredicates[c.Kind]
	return fn, ok
}

// EvaluatePacket runs every enabled rule whose cooldown has elapsed and
// returns a result for each one whose confidence meets its threshold.
func (e *Engine) EvaluatePacket(pkt arp.PacketRecord, snap tracker.Snapshot) []DetectionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.totalEvaluations++

	var results []DetectionResult
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled {
			continue
		}
		if r.LastTriggered != nil && now.Sub(*r.LastTriggered) < r.Cooldown {
			continue
		}
		pred, ok := e.predicateLocked(r.Condition)
		if !ok {
			continue
		}
		m, matched := e.safeEval(r.ID, pred, pkt, snap)
		if !matched || m.Confidence < r.Threshold {
			continue
		}

		triggered := now
		r.LastTriggered = &triggered
		e.hits[r.ID]++
		e.totalDetections++

		evidence := make(map[string]interface{}, len(m.Evidence)+2)
		for k, v := range m.Evidence {
			evidence[k] = v
		}
		evidence["src_ip"] = pkt.SrcIP
		evidence["src_mac"] = pkt.SrcMAC

		results = append(results, DetectionResult{
			Type:        ResultRuleBased,
			RuleID:      r.ID,
			Description: r.Description,
			Severity:    r.Severity,
			Confidence:  m.Confidence,
			Timestamp:   now,
			Evidence:    evidence,
		})
	}
	return results
}

func (e *Engine) safeEval(ruleID string, pred Predicate, pkt arp.PacketRecord, snap tracker.Snapshot) (m Match, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("rule_id", ruleID).Interface("panic", r).Msg("rule predicate panicked")
			m, ok = Match{}, false
		}
	}()
	return pred(pkt, snap)
}

// Statistics summarises engine activity.
type Statistics struct {
	RulesTotal       int            `json:"rules_total"`
	RulesActive      int            `json:"rules_active"`
	RuleHits         map[string]int `json:"rule_hits"`
	TotalEvaluations int64          `json:"total_evaluations"`
	TotalDetections  int64          `json:"total_detections"`
}

// GetStatistics returns a snapshot of the engine counters.
func (e *Engine) GetStatistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := Statistics{
		RulesTotal:       len(e.rules),
		RuleHits:         make(map[string]int, len(e.hits)),
		TotalEvaluations: e.totalEvaluations,
		TotalDetections:  e.totalDetections,
	}
	for _, r := range e.rules {
		if r.Enabled {
			stats.RulesActive++
		}
	}
	for id, n := range e.hits {
		stats.RuleHits[id] = n
	}
	return stats
}

// RuleIDs returns the sorted ids of all registered rules.
func (e *Engine) RuleIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
