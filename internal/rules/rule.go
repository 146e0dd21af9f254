package rules

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/tracker"
)

// Severity ranks how serious a rule match is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, true
	case "MEDIUM":
		return SeverityMedium, true
	case "HIGH":
		return SeverityHigh, true
	case "CRITICAL":
		return SeverityCritical, true
	default:
		return SeverityLow, false
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParseSeverity(str)
	if !ok {
		return fmt.Errorf("unknown severity %q", str)
	}
	*s = parsed
	return nil
}

// Detection result types.
const (
	ResultRuleBased = "rule_based"
	ResultMLBased   = "ml_based"
)

// DetectionResult is emitted for every rule that fires on a packet.
type DetectionResult struct {
	Type        string                 `json:"type"`
	RuleID      string                 `json:"rule_id"`
	Description string                 `json:"description"`
	Severity    Severity               `json:"severity"`
	Confidence  float64                `json:"confidence"`
	Timestamp   time.Time              `json:"timestamp"`
	Evidence    map[string]interface{} `json:"evidence"`
}

// Rule is a named detection predicate plus its gating parameters.
type Rule struct {
	ID            string
	Description   string
	Condition     Condition
	Severity      Severity
	Enabled       bool
	Threshold     float64
	Cooldown      time.Duration
	Tags          []string
	LastTriggered *time.Time
}

func (r *Rule) clone() *Rule {
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		cp.LastTriggered = &t
	}
	return &cp
}

// ----- Conditions -----

// ConditionKind names one of the supported predicate variants.
type ConditionKind string

const (
	CondMACChangeForIP       ConditionKind = "mac_change_for_ip"
	CondGratuitousARP        ConditionKind = "gratuitous_arp"
	CondARPFlood             ConditionKind = "arp_flood"
	CondGatewayImpersonation ConditionKind = "gateway_impersonation"
	CondMITMMultiIP          ConditionKind = "mitm_multi_ip"
	CondCustom               ConditionKind = "custom"
)

const (
	customPrefix            = "custom:"
	defaultFloodPacketLimit = 20
	macChangeActivityMaxAge = 2 * time.Second
)

// Match is what a predicate returns when it fires.
type Match struct {
	Confidence float64
	Evidence   map[string]interface{}
}

// Predicate inspects a packet against a context snapshot. It must be pure.
type Predicate func(pkt arp.PacketRecord, snap tracker.Snapshot) (Match, bool)

// Condition selects a predicate. Built-in kinds are resolved by the engine;
// custom conditions reference a predicate registered by name.
type Condition struct {
	Kind ConditionKind
	Name string
}

// BuiltinCondition returns a condition for one of the built-in kinds.
func BuiltinCondition(kind ConditionKind) Condition {
	return Condition{Kind: kind}
}

// CustomCondition references a predicate registered with RegisterPredicate.
func CustomCondition(name string) Condition {
	return Condition{Kind: CondCustom, Name: name}
}

// String is the persisted form of the condition.
func (c Condition) String() string {
	if c.Kind == CondCustom {
		return customPrefix + c.Name
	}
	return string(c.Kind)
}

// ParseCondition reverses Condition.String.
func ParseCondition(s string) (Condition, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, customPrefix) {
		name := strings.TrimPrefix(s, customPrefix)
		if name == "" {
			return Condition{}, false
		}
		return CustomCondition(name), true
	}
	switch kind := ConditionKind(s); kind {
	case CondMACChangeForIP, CondGratuitousARP, CondARPFlood, CondGatewayImpersonation, CondMITMMultiIP:
		return BuiltinCondition(kind), true
	}
	return Condition{}, false
}

func macChangeForIP(pkt arp.PacketRecord, snap tracker.Snapshot) (Match, bool) {
	if !pkt.IsReply() {
		return Match{}, false
	}
	if prev, ok := snap.IPToMAC[pkt.SrcIP]; ok && prev != pkt.SrcMAC {
		return Match{Confidence: 0.9, Evidence: map[string]interface{}{
			"ip":      pkt.SrcIP,
			"old_mac": prev,
			"new_mac": pkt.SrcMAC,
		}}, true
	}
	// Snapshot taken after the tracker absorbed this packet: the change shows
	// up as a fresh mac_change activity instead of a differing mapping.
	for i := len(snap.SuspiciousActivities) - 1; i >= 0; i-- {
		a := snap.SuspiciousActivities[i]
		if a.Type != tracker.ActivityMACChange || a.IP != pkt.SrcIP {
			continue
		}
		if a.NewMAC != pkt.SrcMAC || pkt.Timestamp.Sub(a.Timestamp) > macChangeActivityMaxAge {
			break
		}
		return Match{Confidence: 0.9, Evidence: map[string]interface{}{
			"ip":      pkt.SrcIP,
			"old_mac": a.OldMAC,
			"new_mac": pkt.SrcMAC,
		}}, true
	}
	return Match{}, false
}

func gratuitousARP(pkt arp.PacketRecord, _ tracker.Snapshot) (Match, bool) {
	if !pkt.IsGratuitous() {
		return Match{}, false
	}
	return Match{Confidence: 0.8, Evidence: map[string]interface{}{
		"ip":  pkt.SrcIP,
		"mac": pkt.SrcMAC,
	}}, true
}

func arpFlood(pkt arp.PacketRecord, snap tracker.Snapshot) (Match, bool) {
	if pkt.Op != arp.OpRequest {
		return Match{}, false
	}
	count := snap.RecentPacketCounts[pkt.SrcMAC]
	if count <= defaultFloodPacketLimit {
		return Match{}, false
	}
	return Match{Confidence: 0.85, Evidence: map[string]interface{}{
		"mac":          pkt.SrcMAC,
		"packet_count": count,
		"limit":        defaultFloodPacketLimit,
	}}, true
}

func gatewayImpersonation(pkt arp.PacketRecord, snap tracker.Snapshot) (Match, bool) {
	if !pkt.IsReply() || snap.GatewayIP == "" || pkt.SrcIP != snap.GatewayIP || pkt.SrcMAC == snap.GatewayMAC {
		return Match{}, false
	}
	return Match{Confidence: 0.95, Evidence: map[string]interface{}{
		"gateway_ip":   snap.GatewayIP,
		"expected_mac": snap.GatewayMAC,
		"observed_mac": pkt.SrcMAC,
	}}, true
}

// mitmMultiIP counts the packet's own source IP with the snapshot's set, so
// it fires whether the snapshot is taken before or after Update.
func mitmMultiIP(pkt arp.PacketRecord, snap tracker.Snapshot) (Match, bool) {
	if !pkt.IsReply() {
		return Match{}, false
	}
	ips := append([]string(nil), snap.MACToIPs[pkt.SrcMAC]...)
	if !slices.Contains(ips, pkt.SrcIP) {
		ips = append(ips, pkt.SrcIP)
		sort.Strings(ips)
	}
	if len(ips) <= 1 {
		return Match{}, false
	}
	return Match{Confidence: 0.85, Evidence: map[string]interface{}{
		"mac":      pkt.SrcMAC,
		"ips":      ips,
		"ip_count": len(ips),
	}}, true
}

var builtinPredicates = map[ConditionKind]Predicate{
	CondMACChangeForIP:       macChangeForIP,
	CondGratuitousARP:        gratuitousARP,
	CondARPFlood:             arpFlood,
	CondGatewayImpersonation: gatewayImpersonation,
	CondMITMMultiIP:          mitmMultiIP,
}

// Built-in rule identifiers.
const (
	RuleMACChange            = "arp_spoofing_mac_change"
	RuleGratuitousARP        = "gratuitous_arp"
	RuleARPFlood             = "arp_flood"
	RuleGatewayImpersonation = "gateway_impersonation"
	RuleMITMMultipleIPs      = "mitm_multiple_ips"
)

// DefaultRules returns the built-in rule set.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:          RuleMACChange,
			Description: "IP address answered from a different MAC than previously observed",
			Condition:   BuiltinCondition(CondMACChangeForIP),
			Severity:    SeverityHigh,
			Enabled:     true,
			Threshold:   0.7,
			Cooldown:    60 * time.Second,
			Tags:        []string{"spoofing", "arp"},
		},
		{
			ID:          RuleGratuitousARP,
			Description: "Gratuitous ARP reply announcing its own address",
			Condition:   BuiltinCondition(CondGratuitousARP),
			Severity:    SeverityMedium,
			Enabled:     true,
			Threshold:   0.7,
			Cooldown:    60 * time.Second,
			Tags:        []string{"gratuitous", "arp"},
		},
		{
			ID:          RuleARPFlood,
			Description: "Single MAC sending an excessive number of ARP packets",
			Condition:   BuiltinCondition(CondARPFlood),
			Severity:    SeverityHigh,
			Enabled:     true,
			Threshold:   0.7,
			Cooldown:    30 * time.Second,
			Tags:        []string{"flood", "dos"},
		},
		{
			ID:          RuleGatewayImpersonation,
			Description: "Gateway IP claimed by a MAC other than the known gateway",
			Condition:   BuiltinCondition(CondGatewayImpersonation),
			Severity:    SeverityCritical,
			Enabled:     true,
			Threshold:   0.7,
			Cooldown:    30 * time.Second,
			Tags:        []string{"gateway", "spoofing", "mitm"},
		},
		{
			ID:          RuleMITMMultipleIPs,
			Description: "Single MAC claiming multiple IP addresses",
			Condition:   BuiltinCondition(CondMITMMultiIP),
			Severity:    SeverityHigh,
			Enabled:     true,
			Threshold:   0.7,
			Cooldown:    120 * time.Second,
			Tags:        []string{"mitm", "arp"},
		},
	}
}
