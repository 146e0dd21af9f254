package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules map[string]ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Description   string   `yaml:"description"`
	Condition     string   `yaml:"condition"`
	Severity      string   `yaml:"severity"`
	Enabled       bool     `yaml:"enabled"`
	Threshold     float64  `yaml:"threshold"`
	Cooldown      int      `yaml:"cooldown"`
	Tags          []string `yaml:"tags"`
	LastTriggered *string  `yaml:"last_triggered"`
}

// SaveRules writes every rule to path as YAML.
func (e *Engine) SaveRules(path string) error {
	data, err := e.Export()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating rules dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing rules file: %w", err)
	}
	e.logger.Info().Str("path", path).Int("rules", len(e.RuleIDs())).Msg("rules saved")
	return nil
}

// Export renders every rule in the rules file format.
func (e *Engine) Export() ([]byte, error) {
	e.mu.RLock()
	doc := ruleFile{Rules: make(map[string]ruleDoc, len(e.rules))}
	for id, r := range e.rules {
		d := ruleDoc{
			Description: r.Description,
			Condition:   r.Condition.String(),
			Severity:    r.Severity.String(),
			Enabled:     r.Enabled,
			Threshold:   r.Threshold,
			Cooldown:    int(r.Cooldown / time.Second),
			Tags:        append([]string{}, r.Tags...),
		}
		if r.LastTriggered != nil {
			ts := r.LastTriggered.UTC().Format(time.RFC3339Nano)
			d.LastTriggered = &ts
		}
		doc.Rules[id] = d
	}
	e.mu.RUnlock()

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling rules: %w", err)
	}
	return data, nil
}

// ParseRules decodes a rules file. Rules that fail validation are left out
// of the result and reported in invalid; err is set only when the document
// itself cannot be parsed.
func ParseRules(data []byte) (parsed []*Rule, invalid []error, err error) {
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing rules file: %w", err)
	}
	for _, id := range sortedKeys(doc.Rules) {
		r, err := doc.Rules[id].toRule(id)
		if err != nil {
			invalid = append(invalid, fmt.Errorf("rule %s: %w", id, err))
			continue
		}
		parsed = append(parsed, r)
	}
	return parsed, invalid, nil
}

// LoadRules replaces the rule set from a YAML file. A missing file, a parse
// failure or a file with no usable rules leaves the built-in set in place;
// only the parse failure is reported as an error.
func (e *Engine) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		e.mu.Lock()
		e.resetToDefaultsLocked()
		e.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Warn().Str("path", path).Msg("rules file not found, using built-in rules")
			return nil
		}
		e.logger.Warn().Err(err).Str("path", path).Msg("rules file unreadable, using built-in rules")
		return fmt.Errorf("reading rules file: %w", err)
	}

	loaded, invalid, err := ParseRules(data)
	if err != nil {
		e.mu.Lock()
		e.resetToDefaultsLocked()
		e.mu.Unlock()
		e.logger.Warn().Err(err).Str("path", path).Msg("rules file invalid, using built-in rules")
		return err
	}
	for _, err := range invalid {
		e.logger.Warn().Err(err).Msg("skipping malformed rule")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(loaded) == 0 {
		e.resetToDefaultsLocked()
		e.logger.Warn().Str("path", path).Msg("rules file has no rules, using built-in rules")
		return nil
	}
	e.rules = make(map[string]*Rule, len(loaded))
	e.order = e.order[:0]
	for _, r := range loaded {
		e.rules[r.ID] = r
		e.order = append(e.order, r.ID)
	}
	e.logger.Info().Str("path", path).Int("rules", len(loaded)).Msg("rules loaded")
	return nil
}

func (d ruleDoc) toRule(id string) (*Rule, error) {
	cond, ok := ParseCondition(d.Condition)
	if !ok {
		return nil, fmt.Errorf("unknown condition %q", d.Condition)
	}
	sev, ok := ParseSeverity(d.Severity)
	if !ok {
		return nil, fmt.Errorf("unknown severity %q", d.Severity)
	}
	if d.Threshold < 0 || d.Threshold > 1 {
		return nil, fmt.Errorf("threshold %.2f outside [0,1]", d.Threshold)
	}
	r := &Rule{
		ID:          id,
		Description: d.Description,
		Condition:   cond,
		Severity:    sev,
		Enabled:     d.Enabled,
		Threshold:   d.Threshold,
		Cooldown:    time.Duration(d.Cooldown) * time.Second,
		Tags:        d.Tags,
	}
	if d.LastTriggered != nil && *d.LastTriggered != "" {
		ts, err := time.Parse(time.RFC3339Nano, *d.LastTriggered)
		if err != nil {
			return nil, fmt.Errorf("parsing last_triggered: %w", err)
		}
		r.LastTriggered = &ts
	}
	return r, nil
}

func sortedKeys(m map[string]ruleDoc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
