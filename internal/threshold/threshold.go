package threshold

import (
	"math"
	"sort"
	"time"
)

// Params configures a new AdaptiveThreshold.
type Params struct {
	Name               string
	Detector           string
	Metric             string
	InitialValue       float64
	MinValue           float64
	MaxValue           *float64
	LearningRate       float64
	WindowSize         int
	AdaptationInterval time.Duration
	StdDevFactor       float64
	UsePercentile      bool
	Percentile         float64
}

// AdaptiveThreshold is a numeric threshold that follows the distribution of
// recent samples. It is not safe for concurrent use; the Manager serialises
// access.
type AdaptiveThreshold struct {
	Name               string
	Detector           string
	Metric             string
	CurrentValue       float64
	MinValue           float64
	MaxValue           *float64
	LearningRate       float64
	WindowSize         int
	AdaptationInterval time.Duration
	StdDevFactor       float64
	UsePercentile      bool
	Percentile         float64

	LastAdaptationTime time.Time
	AdaptationsCount   int
	TotalAdjustment    float64

	history []float64
}

// New creates a threshold from p. Window sizes below one are raised to one
// and the learning rate is clamped to [0,1].
func New(p Params) *AdaptiveThreshold {
	if p.WindowSize < 1 {
		p.WindowSize = 1
	}
	if p.LearningRate < 0 {
		p.LearningRate = 0
	}
	if p.LearningRate > 1 {
		p.LearningRate = 1
	}
	return &AdaptiveThreshold{
		Name:               p.Name,
		Detector:           p.Detector,
		Metric:             p.Metric,
		CurrentValue:       p.InitialValue,
		MinValue:           p.MinValue,
		MaxValue:           p.MaxValue,
		LearningRate:       p.LearningRate,
		WindowSize:         p.WindowSize,
		AdaptationInterval: p.AdaptationInterval,
		StdDevFactor:       p.StdDevFactor,
		UsePercentile:      p.UsePercentile,
		Percentile:         p.Percentile,
		history:            make([]float64, 0, p.WindowSize),
	}
}

// Key is the identifier used by the Manager.
func (t *AdaptiveThreshold) Key() string {
	return Key(t.Detector, t.Metric, t.Name)
}

// Key builds a "{detector}:{metric}:{name}" identifier.
func Key(detector, metric, name string) string {
	return detector + ":" + metric + ":" + name
}

// AddSample appends value to the history, dropping the oldest sample once
// the window is full.
func (t *AdaptiveThreshold) AddSample(value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	if len(t.history) >= t.WindowSize {
		n := copy(t.history, t.history[len(t.history)-t.WindowSize+1:])
		t.history = t.history[:n]
	}
	t.history = append(t.history, value)
}

// History returns a copy of the sample history, oldest first.
func (t *AdaptiveThreshold) History() []float64 {
	return append([]float64(nil), t.history...)
}

// Adapt recomputes the threshold from the history. It returns false without
// changing anything when the adaptation interval has not elapsed or the
// history is empty.
func (t *AdaptiveThreshold) Adapt(now time.Time) bool {
	if len(t.history) == 0 {
		return false
	}
	if !t.LastAdaptationTime.IsZero() && now.Sub(t.LastAdaptationTime) < t.AdaptationInterval {
		return false
	}

	var base float64
	switch {
	case t.UsePercentile:
		base = Percentile(t.history, t.Percentile)
	case len(t.history) > 1:
		mean, std := meanStd(t.history)
		base = mean + t.StdDevFactor*std
	default:
		base = t.history[0] * 1.5
	}

	old := t.CurrentValue
	next := (1-t.LearningRate)*old + t.LearningRate*base
	next = t.clamp(next)

	t.CurrentValue = next
	t.LastAdaptationTime = now
	t.AdaptationsCount++
	t.TotalAdjustment += next - old
	return true
}

func (t *AdaptiveThreshold) clamp(v float64) float64 {
	if v < t.MinValue {
		v = t.MinValue
	}
	if t.MaxValue != nil && v > *t.MaxValue {
		v = *t.MaxValue
	}
	return v
}

// Stats summarises the sample history.
type Stats struct {
	Count  int      `json:"count"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	Mean   float64  `json:"mean"`
	StdDev *float64 `json:"std_dev,omitempty"`
}

// HistoryStats computes summary statistics over the history. StdDev is only
// set when at least two samples exist.
func (t *AdaptiveThreshold) HistoryStats() Stats {
	s := Stats{Count: len(t.history)}
	if s.Count == 0 {
		return s
	}
	s.Min, s.Max = t.history[0], t.history[0]
	for _, v := range t.history {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	mean, std := meanStd(t.history)
	s.Mean = mean
	if s.Count > 1 {
		s.StdDev = &std
	}
	return s
}

// Percentile returns the p-th percentile (0-100) of data using linear
// interpolation between the closest ranks. An empty slice yields 0.
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// meanStd returns the mean and population standard deviation.
func meanStd(data []float64) (float64, float64) {
	var sum float64
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))
	var sq float64
	for _, v := range data {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(data)))
}
