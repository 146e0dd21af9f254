package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/tracker"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(clock *fakeClock) *Engine {
	return NewEngine(zerolog.Nop(), WithClock(clock.Now))
}

func emptySnapshot() tracker.Snapshot {
	return tracker.Snapshot{
		IPToMAC:            map[string]string{},
		MACToIPs:           map[string][]string{},
		RecentPacketCounts: map[string]int{},
	}
}

func ruleIDs(results []DetectionResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.RuleID)
	}
	return ids
}

// ─── Built-in Predicates ─────────────────────────────────────────────────────

func TestEvaluate_GratuitousWithNoContext(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	pkt := arp.PacketRecord{SrcIP: "10.0.0.7", DstIP: "10.0.0.7", SrcMAC: "aa:aa:aa:aa:aa:07", Op: arp.OpReply}

	results := e.EvaluatePacket(pkt, emptySnapshot())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %v", ruleIDs(results))
	}
	r := results[0]
	if r.RuleID != RuleGratuitousARP {
		t.Errorf("rule = %s, want %s", r.RuleID, RuleGratuitousARP)
	}
	if r.Confidence < 0.7 {
		t.Errorf("confidence %.2f below 0.7", r.Confidence)
	}
	if r.Type != ResultRuleBased {
		t.Errorf("type = %s", r.Type)
	}
}

func TestEvaluate_Table(t *testing.T) {
	tests := []struct {
		name string
		pkt  arp.PacketRecord
		snap func() tracker.Snapshot
		want string
	}{
		{
			name: "mac change from prior mapping",
			pkt:  arp.PacketRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.9", SrcMAC: "bb:bb:bb:bb:bb:02", Op: arp.OpReply},
			snap: func() tracker.Snapshot {
				s := emptySnapshot()
				s.IPToMAC["10.0.0.5"] = "aa:aa:aa:aa:aa:01"
				return s
			},
			want: RuleMACChange,
		},
		{
			name: "flood above limit",
			pkt:  arp.PacketRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.9", SrcMAC: "aa:aa:aa:aa:aa:01", Op: arp.OpRequest},
			snap: func() tracker.Snapshot {
				s := emptySnapshot()
				s.RecentPacketCounts["aa:aa:aa:aa:aa:01"] = 21
				return s
			},
			want: RuleARPFlood,
		},
		{
			name: "gateway claimed by other mac",
			pkt:  arp.PacketRecord{SrcIP: "10.0.0.1", DstIP: "10.0.0.9", SrcMAC: "de:ad:be:ef:00:01", Op: arp.OpReply},
			snap: func() tracker.Snapshot {
				s := emptySnapshot()
				s.GatewayIP = "10.0.0.1"
				s.GatewayMAC = "00:11:22:33:44:55"
				return s
			},
			want: RuleGatewayImpersonation,
		},
		{
			name: "mac claiming two ips",
			pkt:  arp.PacketRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.9", SrcMAC: "aa:aa:aa:aa:aa:01", Op: arp.OpReply},
			snap: func() tracker.Snapshot {
				s := emptySnapshot()
				s.MACToIPs["aa:aa:aa:aa:aa:01"] = []string{"10.0.0.5", "10.0.0.6"}
				return s
			},
			want: RuleMITMMultipleIPs,
		},
		{
			name: "second ip before tracker update",
			pkt:  arp.PacketRecord{SrcIP: "10.0.0.6", DstIP: "10.0.0.9", SrcMAC: "aa:aa:aa:aa:aa:01", Op: arp.OpReply},
			snap: func() tracker.Snapshot {
				s := emptySnapshot()
				s.MACToIPs["aa:aa:aa:aa:aa:01"] = []string{"10.0.0.5"}
				return s
			},
			want: RuleMITMMultipleIPs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(&fakeClock{t: time.Now()})
			results := e.EvaluatePacket(tt.pkt, tt.snap())
			if len(results) != 1 || results[0].RuleID != tt.want {
				t.Errorf("got %v, want [%s]", ruleIDs(results), tt.want)
			}
		})
	}
}

func TestEvaluate_FloodAtLimitDoesNotFire(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	s := emptySnapshot()
	s.RecentPacketCounts["aa:aa:aa:aa:aa:01"] = 20
	pkt := arp.PacketRecord{SrcIP: "10.0.0.5", SrcMAC: "aa:aa:aa:aa:aa:01", Op: arp.OpRequest}
	if results := e.EvaluatePacket(pkt, s); len(results) != 0 {
		t.Errorf("expected no results, got %v", ruleIDs(results))
	}
}

func TestEvaluate_OpcodeGating(t *testing.T) {
	s := emptySnapshot()
	s.RecentPacketCounts["aa:aa:aa:aa:aa:01"] = 50
	s.GatewayIP = "10.0.0.1"
	s.GatewayMAC = "00:11:22:33:44:55"
	s.MACToIPs["aa:aa:aa:aa:aa:01"] = []string{"10.0.0.1", "10.0.0.5"}

	tests := []struct {
		name string
		op   arp.Operation
	}{
		// Replies never count toward a flood.
		{"flood on reply", arp.OpReply},
		// Gateway and MITM checks only look at replies.
		{"gateway and mitm on request", arp.OpRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(&fakeClock{t: time.Now()})
			switch tt.op {
			case arp.OpReply:
				e.DisableRule(RuleGatewayImpersonation)
				e.DisableRule(RuleMITMMultipleIPs)
			case arp.OpRequest:
				e.DisableRule(RuleARPFlood)
			}
			pkt := arp.PacketRecord{SrcIP: "10.0.0.1", DstIP: "10.0.0.9", SrcMAC: "aa:aa:aa:aa:aa:01", Op: tt.op}
			if results := e.EvaluatePacket(pkt, s); len(results) != 0 {
				t.Errorf("expected no results, got %v", ruleIDs(results))
			}
		})
	}
}

func TestEvaluate_MACChangeAfterTrackerUpdate(t *testing.T) {
	tr := tracker.New(tracker.Options{Logger: zerolog.Nop()})
	now := time.Now()
	first := arp.PacketRecord{Timestamp: now, SrcIP: "10.0.0.5", DstIP: "10.0.0.9", SrcMAC: "aa:aa:aa:aa:aa:01", Op: arp.OpReply}
	second := first
	second.SrcMAC = "bb:bb:bb:bb:bb:02"
	second.Timestamp = now.Add(time.Second)

	e := newTestEngine(&fakeClock{t: now})
	_ = tr.Update(first)
	_ = e.EvaluatePacket(first, tr.GetContext())
	_ = tr.Update(second)
	results := e.EvaluatePacket(second, tr.GetContext())

	var found bool
	for _, r := range results {
		if r.RuleID == RuleMACChange {
			found = true
			if r.Evidence["old_mac"] != "aa:aa:aa:aa:aa:01" {
				t.Errorf("old_mac evidence = %v", r.Evidence["old_mac"])
			}
		}
	}
	if !found {
		t.Errorf("mac change not detected: %v", ruleIDs(results))
	}
}

// ─── Gating ──────────────────────────────────────────────────────────────────

func TestEvaluate_CooldownSuppressesSecondHit(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	e := newTestEngine(clock)
	s := emptySnapshot()
	s.IPToMAC["10.0.0.5"] = "aa:aa:aa:aa:aa:01"
	pkt := arp.PacketRecord{SrcIP: "10.0.0.5", DstIP: "10.0.0.9", SrcMAC: "bb:bb:bb:bb:bb:02", Op: arp.OpReply}

	first := e.EvaluatePacket(pkt, s)
	clock.Advance(time.Second)
	second := e.EvaluatePacket(pkt, s)
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("first=%v second=%v", ruleIDs(first), ruleIDs(second))
	}

	clock.Advance(60 * time.Second)
	if third := e.EvaluatePacket(pkt, s); len(third) != 1 {
		t.Errorf("expected rule to fire after cooldown, got %v", ruleIDs(third))
	}
}

func TestEvaluate_ThresholdAboveConfidenceSuppresses(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	r, _ := e.GetRule(RuleGratuitousARP)
	r.Threshold = 0.95
	if err := e.AddRule(r); err != nil {
		t.Fatal(err)
	}
	pkt := arp.PacketRecord{SrcIP: "10.0.0.7", DstIP: "10.0.0.7", SrcMAC: "aa:aa:aa:aa:aa:07", Op: arp.OpReply}
	if results := e.EvaluatePacket(pkt, emptySnapshot()); len(results) != 0 {
		t.Errorf("expected suppression, got %v", ruleIDs(results))
	}
}

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	if !e.DisableRule(RuleGratuitousARP) {
		t.Fatal("DisableRule returned false")
	}
	pkt := arp.PacketRecord{SrcIP: "10.0.0.7", DstIP: "10.0.0.7", SrcMAC: "aa:aa:aa:aa:aa:07", Op: arp.OpReply}
	if results := e.EvaluatePacket(pkt, emptySnapshot()); len(results) != 0 {
		t.Errorf("disabled rule fired: %v", ruleIDs(results))
	}
	if e.DisableRule("nope") {
		t.Error("DisableRule on unknown id should return false")
	}
}

func TestEvaluate_CustomPredicate(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	e.RegisterPredicate("broadcast_src", func(pkt arp.PacketRecord, _ tracker.Snapshot) (Match, bool) {
		return Match{Confidence: 1, Evidence: map[string]interface{}{"mac": pkt.SrcMAC}}, pkt.SrcMAC == "ff:ff:ff:ff:ff:ff"
	})
	err := e.AddRule(&Rule{
		ID:        "broadcast_source",
		Condition: CustomCondition("broadcast_src"),
		Severity:  SeverityHigh,
		Enabled:   true,
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	pkt := arp.PacketRecord{SrcIP: "10.0.0.8", DstIP: "10.0.0.9", SrcMAC: "ff:ff:ff:ff:ff:ff", Op: arp.OpRequest}
	results := e.EvaluatePacket(pkt, emptySnapshot())
	if len(results) != 1 || results[0].RuleID != "broadcast_source" {
		t.Errorf("got %v", ruleIDs(results))
	}
}

func TestEvaluate_PanickingPredicateIsContained(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	e.RegisterPredicate("boom", func(arp.PacketRecord, tracker.Snapshot) (Match, bool) { panic("boom") })
	_ = e.AddRule(&Rule{ID: "boom", Condition: CustomCondition("boom"), Enabled: true})
	pkt := arp.PacketRecord{SrcIP: "10.0.0.7", DstIP: "10.0.0.7", SrcMAC: "aa:aa:aa:aa:aa:07", Op: arp.OpReply}
	if results := e.EvaluatePacket(pkt, emptySnapshot()); len(results) != 1 {
		t.Errorf("expected gratuitous result despite panic, got %v", ruleIDs(results))
	}
}

func TestAddRule_RejectsBadThreshold(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	if err := e.AddRule(&Rule{ID: "x", Threshold: 1.5}); err == nil {
		t.Error("expected error for threshold > 1")
	}
	if err := e.AddRule(&Rule{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestStatistics(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	pkt := arp.PacketRecord{SrcIP: "10.0.0.7", DstIP: "10.0.0.7", SrcMAC: "aa:aa:aa:aa:aa:07", Op: arp.OpReply}
	e.EvaluatePacket(pkt, emptySnapshot())
	e.EvaluatePacket(pkt, emptySnapshot())
	e.DisableRule(RuleARPFlood)

	stats := e.GetStatistics()
	if stats.TotalEvaluations != 2 || stats.TotalDetections != 1 {
		t.Errorf("evaluations=%d detections=%d", stats.TotalEvaluations, stats.TotalDetections)
	}
	if stats.RuleHits[RuleGratuitousARP] != 1 {
		t.Errorf("hits = %d", stats.RuleHits[RuleGratuitousARP])
	}
	if stats.RulesActive != 4 || stats.RulesTotal != 5 {
		t.Errorf("active=%d total=%d", stats.RulesActive, stats.RulesTotal)
	}
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func TestSaveLoad_RoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEngine(clock)
	pkt := arp.PacketRecord{SrcIP: "10.0.0.7", DstIP: "10.0.0.7", SrcMAC: "aa:aa:aa:aa:aa:07", Op: arp.OpReply}
	e.EvaluatePacket(pkt, emptySnapshot())
	e.DisableRule(RuleMITMMultipleIPs)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := e.SaveRules(path); err != nil {
		t.Fatalf("SaveRules: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "rules:") {
		t.Errorf("expected top-level rules key, got:\n%s", data)
	}

	loaded := newTestEngine(clock)
	if err := loaded.LoadRules(path); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	for _, orig := range e.Rules() {
		got, ok := loaded.GetRule(orig.ID)
		if !ok {
			t.Fatalf("rule %s missing after load", orig.ID)
		}
		if got.Enabled != orig.Enabled || got.Threshold != orig.Threshold || got.Cooldown != orig.Cooldown ||
			got.Severity != orig.Severity || got.Condition != orig.Condition {
			t.Errorf("rule %s mismatch: %+v vs %+v", orig.ID, got, orig)
		}
		if (orig.LastTriggered == nil) != (got.LastTriggered == nil) {
			t.Errorf("rule %s last_triggered mismatch", orig.ID)
		} else if orig.LastTriggered != nil && !orig.LastTriggered.Equal(*got.LastTriggered) {
			t.Errorf("rule %s last_triggered %v vs %v", orig.ID, got.LastTriggered, orig.LastTriggered)
		}
	}
}

func TestLoadRules_FallbackToDefaults(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "missing file"},
		{name: "invalid yaml", content: "rules: [unterminated", wantErr: true},
		{name: "empty rule set", content: "rules: {}\n"},
		{name: "only unknown conditions", content: "rules:\n  odd:\n    condition: telepathy\n    severity: LOW\n"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "rules", tt.name+".yaml")
			if tt.content != "" {
				_ = os.MkdirAll(filepath.Dir(path), 0755)
				if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			e := newTestEngine(&fakeClock{t: time.Now()})
			_ = e.AddRule(&Rule{ID: "extra", Condition: BuiltinCondition(CondGratuitousARP)})
			err := e.LoadRules(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("case %d: err = %v, wantErr %v", i, err, tt.wantErr)
			}
			if got := len(e.Rules()); got != 5 {
				t.Errorf("expected 5 built-in rules, got %d", got)
			}
		})
	}
}

func TestParseRules_ReportsInvalidRules(t *testing.T) {
	doc := `rules:
  good:
    condition: gratuitous_arp
    severity: MEDIUM
    enabled: true
    threshold: 0.5
  bad_severity:
    condition: arp_flood
    severity: EXTREME
  bad_threshold:
    condition: arp_flood
    severity: LOW
    threshold: 2
`
	parsed, invalid, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(parsed) != 1 || parsed[0].ID != "good" || parsed[0].Severity != SeverityMedium {
		t.Errorf("parsed = %+v", parsed)
	}
	if len(invalid) != 2 || !strings.Contains(invalid[0].Error(), "bad_severity") {
		t.Errorf("invalid = %v", invalid)
	}

	if _, _, err := ParseRules([]byte("rules: [")); err == nil {
		t.Error("expected error for unparseable document")
	}
}

func TestExport_MatchesSavedFile(t *testing.T) {
	e := newTestEngine(&fakeClock{t: time.Now()})
	data, err := e.Export()
	if err != nil {
		t.Fatal(err)
	}
	parsed, invalid, err := ParseRules(data)
	if err != nil || len(invalid) != 0 || len(parsed) != len(e.Rules()) {
		t.Errorf("parsed=%d invalid=%v err=%v", len(parsed), invalid, err)
	}
}
