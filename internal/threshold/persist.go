package threshold

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type stateFile struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Thresholds map[string]thresholdState `json:"thresholds"`
}

type thresholdState struct {
	Name               string     `json:"name"`
	Detector           string     `json:"detector"`
	Metric             string     `json:"metric"`
	CurrentValue       float64    `json:"current_value"`
	MinValue           float64    `json:"min_value"`
	MaxValue           *float64   `json:"max_value"`
	LearningRate       float64    `json:"learning_rate"`
	WindowSize         int        `json:"window_size"`
	AdaptationInterval float64    `json:"adaptation_interval"`
	StdDevFactor       float64    `json:"std_dev_factor"`
	UsePercentile      bool       `json:"use_percentile"`
	Percentile         float64    `json:"percentile"`
	LastAdaptationTime *time.Time `json:"last_adaptation_time"`
	AdaptationsCount   int        `json:"adaptations_count"`
	TotalAdjustment    float64    `json:"total_adjustment"`
	HistoryLen         int        `json:"history_len"`
	HistoryStats       Stats      `json:"history_stats"`
}

// Save writes all thresholds to path as JSON. The sample history itself is
// summarised, not stored.
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	doc := stateFile{
		Timestamp:  m.now().UTC(),
		Thresholds: make(map[string]thresholdState, len(m.thresholds)),
	}
	for key, t := range m.thresholds {
		st := thresholdState{
			Name:               t.Name,
			Detector:           t.Detector,
			Metric:             t.Metric,
			CurrentValue:       t.CurrentValue,
			MinValue:           t.MinValue,
			MaxValue:           t.MaxValue,
			LearningRate:       t.LearningRate,
			WindowSize:         t.WindowSize,
			AdaptationInterval: t.AdaptationInterval.Seconds(),
			StdDevFactor:       t.StdDevFactor,
			UsePercentile:      t.UsePercentile,
			Percentile:         t.Percentile,
			AdaptationsCount:   t.AdaptationsCount,
			TotalAdjustment:    t.TotalAdjustment,
			HistoryLen:         len(t.history),
			HistoryStats:       t.HistoryStats(),
		}
		if !t.LastAdaptationTime.IsZero() {
			ts := t.LastAdaptationTime.UTC()
			st.LastAdaptationTime = &ts
		}
		doc.Thresholds[key] = st
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling thresholds: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating thresholds dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing thresholds file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing thresholds file: %w", err)
	}
	return nil
}

// Load restores thresholds from path, replacing any with the same key. It
// returns the number restored; a missing file restores nothing and is not
// an error.
func (m *Manager) Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading thresholds file: %w", err)
	}
	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing thresholds file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range doc.Thresholds {
		t := New(Params{
			Name:               st.Name,
			Detector:           st.Detector,
			Metric:             st.Metric,
			InitialValue:       st.CurrentValue,
			MinValue:           st.MinValue,
			MaxValue:           st.MaxValue,
			LearningRate:       st.LearningRate,
			WindowSize:         st.WindowSize,
			AdaptationInterval: time.Duration(st.AdaptationInterval * float64(time.Second)),
			StdDevFactor:       st.StdDevFactor,
			UsePercentile:      st.UsePercentile,
			Percentile:         st.Percentile,
		})
		if st.LastAdaptationTime != nil {
			t.LastAdaptationTime = *st.LastAdaptationTime
		}
		t.AdaptationsCount = st.AdaptationsCount
		t.TotalAdjustment = st.TotalAdjustment
		m.thresholds[t.Key()] = t
	}
	m.logger.Info().Str("path", path).Int("thresholds", len(doc.Thresholds)).Msg("thresholds loaded")
	return len(doc.Thresholds), nil
}
