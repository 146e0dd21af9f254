package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/alerting"
	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/metrics"
	"github.com/arpguard/arpguard/internal/oracle"
	"github.com/arpguard/arpguard/internal/rules"
	"github.com/arpguard/arpguard/internal/tracker"
)

// Alert sources set by the pipeline.
const (
	SourceRuleEngine = "rule_engine"
	SourceOracle     = "ml_oracle"
)

// PacketCounter receives one tick per accepted packet for rate detection.
type PacketCounter interface {
	RecordPacket(iface string)
}

// AlertCreator is the subset of the alert manager used by the pipeline.
type AlertCreator interface {
	CreateAlert(alertType alerting.AlertType, priority alerting.Priority, message, source string, details map[string]interface{}) *alerting.Alert
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// DefaultInterface is assigned to packets that arrive without one.
	DefaultInterface string
	Counter          PacketCounter
	Scorer           oracle.Scorer
	Merger           oracle.Merger
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Pipeline runs one packet through context tracking, rule evaluation, the
// optional ML oracle and alert creation.
type Pipeline struct {
	tracker *tracker.Tracker
	rules   *rules.Engine
	alerts  AlertCreator
	counter PacketCounter
	scorer  oracle.Scorer
	merger  oracle.Merger
	iface   string
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPipeline wires the detection components together.
func NewPipeline(t *tracker.Tracker, r *rules.Engine, alerts AlertCreator, opts PipelineOptions) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Merger == (oracle.Merger{}) {
		opts.Merger = oracle.DefaultMerger()
	}
	return &Pipeline{
		tracker: t,
		rules:   r,
		alerts:  alerts,
		counter: opts.Counter,
		scorer:  opts.Scorer,
		merger:  opts.Merger,
		iface:   opts.DefaultInterface,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "pipeline").Logger(),
		now:     opts.Now,
	}
}

// SetScorer swaps the ML scorer; nil disables it.
func (p *Pipeline) SetScorer(s oracle.Scorer) {
	p.scorer = s
}

// Process handles one packet. Invalid packets are counted and returned as an
// *arp.ValidationError without touching any state. The returned results are
// the detections that produced alert attempts.
func (p *Pipeline) Process(ctx context.Context, pkt arp.PacketRecord) ([]rules.DetectionResult, error) {
	pkt.Normalize(p.now())
	if pkt.Interface == "" {
		pkt.Interface = p.iface
	}
	if err := pkt.Validate(); err != nil {
		p.metrics.PacketInvalid()
		p.logger.Debug().Err(err).Msg("skipping invalid packet")
		return nil, err
	}

	p.metrics.PacketProcessed(pkt.Interface)
	if p.counter != nil && pkt.Interface != "" {
		p.counter.RecordPacket(pkt.Interface)
	}

	if err := p.tracker.Update(pkt); err != nil {
		return nil, err
	}
	snap := p.tracker.GetContext()
	results := p.rules.EvaluatePacket(pkt, snap)

	if p.scorer != nil {
		score, err := p.scorer.Score(ctx, oracle.Extract(pkt, snap))
		if err != nil {
			p.logger.Debug().Err(err).Msg("oracle unavailable, using rule results only")
		} else {
			results = p.merger.Merge(pkt, results, score, p.now())
		}
	}

	for _, r := range results {
		p.metrics.Detection(r.RuleID, r.Type)
		p.raise(pkt, r)
	}
	return results, nil
}

func (p *Pipeline) raise(pkt arp.PacketRecord, r rules.DetectionResult) {
	details := make(map[string]interface{}, len(r.Evidence)+6)
	for k, v := range r.Evidence {
		details[k] = v
	}
	details["rule_id"] = r.RuleID
	details["detection_type"] = r.Type
	details["confidence"] = r.Confidence
	details["src_ip"] = pkt.SrcIP
	details["src_mac"] = pkt.SrcMAC
	if pkt.Interface != "" {
		details["interface"] = pkt.Interface
	}

	source := SourceRuleEngine
	if r.Type == rules.ResultMLBased {
		source = SourceOracle
	}
	msg := fmt.Sprintf("%s: %s is-at %s (confidence %.2f)", r.Description, pkt.SrcIP, pkt.SrcMAC, r.Confidence)

	a := p.alerts.CreateAlert(AlertTypeFor(r.RuleID), PriorityFor(r.Severity), msg, source, details)
	if a != nil {
		p.logger.Info().
			Str("alert_id", a.ID).
			Str("rule_id", r.RuleID).
			Str("src_ip", pkt.SrcIP).
			Str("src_mac", pkt.SrcMAC).
			Msg("detection raised alert")
	}
}

// AlertTypeFor maps a rule id onto the alert type it raises.
func AlertTypeFor(ruleID string) alerting.AlertType {
	switch ruleID {
	case rules.RuleMACChange, rules.RuleMITMMultipleIPs:
		return alerting.TypeARPSpoofing
	case rules.RuleGatewayImpersonation:
		return alerting.TypeGatewayChange
	case rules.RuleARPFlood:
		return alerting.TypeNetworkScan
	case rules.RuleGratuitousARP, oracle.MLRuleID:
		return alerting.TypePatternMatch
	default:
		return alerting.TypeCustom
	}
}

// PriorityFor maps a rule severity onto an alert priority.
func PriorityFor(s rules.Severity) alerting.Priority {
	switch s {
	case rules.SeverityCritical:
		return alerting.PriorityCritical
	case rules.SeverityHigh:
		return alerting.PriorityHigh
	case rules.SeverityMedium:
		return alerting.PriorityMedium
	default:
		return alerting.PriorityLow
	}
}

// IsValidationError reports whether err came from packet validation.
func IsValidationError(err error) bool {
	var ve *arp.ValidationError
	return errors.As(err, &ve)
}
