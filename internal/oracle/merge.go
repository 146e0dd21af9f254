package oracle

import (
	"math"
	"time"

	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/rules"
)

// MLRuleID identifies detections raised by the oracle alone.
const MLRuleID = "ml_anomaly"

// Merger folds an oracle score into rule detections.
type Merger struct {
	// MinProbability gates oracle-only detections.
	MinProbability float64
	// Boost scales how far an anomalous score pulls rule confidence towards 1.
	Boost float64
}

// DefaultMerger returns a merger with MinProbability 0.7 and Boost 0.5.
func DefaultMerger() Merger {
	return Merger{MinProbability: 0.7, Boost: 0.5}
}

// Merge returns results annotated with the score. When the oracle flags an
// anomaly, rule confidence is raised; when no rule fired and the probability
// reaches MinProbability, a single ml_based detection is emitted. results is
// not modified.
func (m Merger) Merge(pkt arp.PacketRecord, results []rules.DetectionResult, score Score, now time.Time) []rules.DetectionResult {
	prob := math.Max(0, math.Min(1, score.ThreatProbability))

	out := make([]rules.DetectionResult, 0, len(results)+1)
	for _, r := range results {
		ev := make(map[string]interface{}, len(r.Evidence)+2)
		for k, v := range r.Evidence {
			ev[k] = v
		}
		ev["ml_probability"] = prob
		if score.RecommendedAction != "" {
			ev["ml_recommended_action"] = score.RecommendedAction
		}
		r.Evidence = ev
		if score.IsAnomaly {
			r.Confidence = math.Min(1, r.Confidence+(1-r.Confidence)*prob*m.Boost)
		}
		out = append(out, r)
	}

	if len(results) == 0 && score.IsAnomaly && prob >= m.MinProbability {
		ev := map[string]interface{}{
			"src_ip":         pkt.SrcIP,
			"src_mac":        pkt.SrcMAC,
			"ml_probability": prob,
		}
		if score.RecommendedAction != "" {
			ev["ml_recommended_action"] = score.RecommendedAction
		}
		out = append(out, rules.DetectionResult{
			Type:        rules.ResultMLBased,
			RuleID:      MLRuleID,
			Description: "Anomalous ARP behaviour reported by the ML scorer",
			Severity:    SeverityFor(prob),
			Confidence:  prob,
			Timestamp:   now,
			Evidence:    ev,
		})
	}
	return out
}

// SeverityFor maps a threat probability onto a rule severity.
func SeverityFor(prob float64) rules.Severity {
	switch {
	case prob >= 0.9:
		return rules.SeverityCritical
	case prob >= 0.75:
		return rules.SeverityHigh
	case prob >= 0.5:
		return rules.SeverityMedium
	default:
		return rules.SeverityLow
	}
}
