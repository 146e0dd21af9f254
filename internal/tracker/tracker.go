package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/arp"
)

// Activity types recorded by the tracker.
const (
	ActivityMACChange            = "mac_change"
	ActivityGatewayImpersonation = "gateway_impersonation"
)

const (
	gatewayCandidateMinPackets     = 5
	defaultHistoryWindow           = time.Hour
	defaultCountWindow             = 5 * time.Second
	defaultCleanupInterval         = time.Minute
	defaultMaxSuspiciousActivities = 1000
)

// SuspiciousActivity is a state change the tracker observed while updating
// its maps. Rules inspect these through the snapshot.
type SuspiciousActivity struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	OldMAC    string    `json:"old_mac"`
	NewMAC    string    `json:"new_mac"`
}

// Options configures a Tracker. Zero values fall back to defaults.
type Options struct {
	HistoryWindow   time.Duration
	CountWindow     time.Duration
	CleanupInterval time.Duration
	MaxSuspicious   int
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Tracker maintains live ARP network state built from observed packets.
type Tracker struct {
	mu sync.RWMutex

	ipToMAC    map[string]string
	macToIPs   map[string]map[string]struct{}
	gatewayIP  string
	gatewayMAC string

	// unix second -> MAC -> packets
	history    map[int64]map[string]int
	suspicious []SuspiciousActivity

	latest      time.Time
	lastCleanup time.Time

	historyWindow   time.Duration
	countWindow     time.Duration
	cleanupInterval time.Duration
	maxSuspicious   int

	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.CountWindow <= 0 {
		opts.CountWindow = defaultCountWindow
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.MaxSuspicious <= 0 {
		opts.MaxSuspicious = defaultMaxSuspiciousActivities
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		ipToMAC:         make(map[string]string),
		macToIPs:        make(map[string]map[string]struct{}),
		history:         make(map[int64]map[string]int),
		historyWindow:   opts.HistoryWindow,
		countWindow:     opts.CountWindow,
		cleanupInterval: opts.CleanupInterval,
		maxSuspicious:   opts.MaxSuspicious,
		now:             opts.Now,
		logger:          opts.Logger.With().Str("component", "context_tracker").Logger(),
	}
}

// SetGateway records a known gateway binding.
func (t *Tracker) SetGateway(ip, mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gatewayIP = ip
	t.gatewayMAC = mac
}

// Update folds one packet into the tracked state. Packets missing a source
// IP or MAC are rejected with an *arp.ValidationError and change nothing.
func (t *Tracker) Update(pkt arp.PacketRecord) error {
	if err := pkt.Validate(); err != nil {
		return err
	}

	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ts.After(t.latest) {
		t.latest = ts
	}
	if t.lastCleanup.IsZero() {
		t.lastCleanup = ts
	}

	sec := ts.Unix()
	bucket, ok := t.history[sec]
	if !ok {
		bucket = make(map[string]int)
		t.history[sec] = bucket
	}
	bucket[pkt.SrcMAC]++

	if prev, ok := t.ipToMAC[pkt.SrcIP]; ok && prev != pkt.SrcMAC {
		t.recordLocked(SuspiciousActivity{
			Type:      ActivityMACChange,
			Timestamp: ts,
			IP:        pkt.SrcIP,
			OldMAC:    prev,
			NewMAC:    pkt.SrcMAC,
		})
		t.logger.Debug().
			Str("ip", pkt.SrcIP).
			Str("old_mac", prev).
			Str("new_mac", pkt.SrcMAC).
			Msg("MAC change observed")
	}
	t.ipToMAC[pkt.SrcIP] = pkt.SrcMAC
	ips, ok := t.macToIPs[pkt.SrcMAC]
	if !ok {
		ips = make(map[string]struct{})
		t.macToIPs[pkt.SrcMAC] = ips
	}
	ips[pkt.SrcIP] = struct{}{}

	switch {
	case t.gatewayIP != "" && pkt.SrcIP == t.gatewayIP && pkt.SrcMAC != t.gatewayMAC:
		// gateway MAC stays pinned to the original binding
		t.recordLocked(SuspiciousActivity{
			Type:      ActivityGatewayImpersonation,
			Timestamp: ts,
			IP:        pkt.SrcIP,
			OldMAC:    t.gatewayMAC,
			NewMAC:    pkt.SrcMAC,
		})
		t.logger.Debug().
			Str("gateway_ip", t.gatewayIP).
			Str("gateway_mac", t.gatewayMAC).
			Str("claimed_by", pkt.SrcMAC).
			Msg("gateway impersonation observed")
	case t.gatewayIP == "" && pkt.IsGratuitous() && t.recentCountLocked(pkt.SrcMAC) > gatewayCandidateMinPackets:
		t.gatewayIP = pkt.SrcIP
		t.gatewayMAC = pkt.SrcMAC
		t.logger.Info().Str("ip", pkt.SrcIP).Str("mac", pkt.SrcMAC).Msg("gateway candidate learned")
	}

	if ts.Sub(t.lastCleanup) >= t.cleanupInterval {
		t.cleanupLocked(ts)
		t.lastCleanup = ts
	}

	return nil
}

func (t *Tracker) recordLocked(a SuspiciousActivity) {
	t.suspicious = append(t.suspicious, a)
	if over := len(t.suspicious) - t.maxSuspicious; over > 0 {
		t.suspicious = append([]SuspiciousActivity(nil), t.suspicious[over:]...)
	}
}

// recentCountLocked sums packets from mac inside the count window ending at
// the newest packet seen.
func (t *Tracker) recentCountLocked(mac string) int {
	cutoff := t.latest.Add(-t.countWindow).Unix()
	total := 0
	for sec, bucket := range t.history {
		if sec > cutoff {
			total += bucket[mac]
		}
	}
	return total
}

func (t *Tracker) cleanupLocked(ref time.Time) {
	cutoff := ref.Add(-t.historyWindow)
	removed := 0
	for sec := range t.history {
		if sec < cutoff.Unix() {
			delete(t.history, sec)
			removed++
		}
	}
	kept := t.suspicious[:0]
	for _, a := range t.suspicious {
		if !a.Timestamp.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	t.suspicious = kept
	if removed > 0 {
		t.logger.Debug().Int("buckets_removed", removed).Msg("packet history cleaned")
	}
}

// Snapshot is an immutable copy of the tracked network context.
type Snapshot struct {
	IPToMAC              map[string]string        `json:"ip_to_mac"`
	MACToIPs             map[string][]string      `json:"mac_to_ips"`
	GatewayIP            string                   `json:"gateway_ip,omitempty"`
	GatewayMAC           string                   `json:"gateway_mac,omitempty"`
	RecentPacketCounts   map[string]int           `json:"recent_packet_counts"`
	SuspiciousActivities []SuspiciousActivity     `json:"suspicious_activities"`
	PacketHistory        map[int64]map[string]int `json:"-"`
	Timestamp            time.Time                `json:"timestamp"`
}

// GetContext returns a deep copy of the current state.
func (t *Tracker) GetContext() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		IPToMAC:              make(map[string]string, len(t.ipToMAC)),
		MACToIPs:             make(map[string][]string, len(t.macToIPs)),
		GatewayIP:            t.gatewayIP,
		GatewayMAC:           t.gatewayMAC,
		RecentPacketCounts:   make(map[string]int),
		SuspiciousActivities: make([]SuspiciousActivity, len(t.suspicious)),
		PacketHistory:        make(map[int64]map[string]int, len(t.history)),
		Timestamp:            t.latest,
	}
	for ip, mac := range t.ipToMAC {
		snap.IPToMAC[ip] = mac
	}
	for mac, set := range t.macToIPs {
		ips := make([]string, 0, len(set))
		for ip := range set {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		snap.MACToIPs[mac] = ips
	}
	copy(snap.SuspiciousActivities, t.suspicious)

	cutoff := t.latest.Add(-t.countWindow).Unix()
	for sec, bucket := range t.history {
		cp := make(map[string]int, len(bucket))
		for mac, n := range bucket {
			cp[mac] = n
			if sec > cutoff {
				snap.RecentPacketCounts[mac] += n
			}
		}
		snap.PacketHistory[sec] = cp
	}
	return snap
}

// Stats summarises tracker size.
type Stats struct {
	TrackedIPs           int `json:"tracked_ips"`
	TrackedMACs          int `json:"tracked_macs"`
	SuspiciousActivities int `json:"suspicious_activities"`
	HistoryBuckets       int `json:"history_buckets"`
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		TrackedIPs:           len(t.ipToMAC),
		TrackedMACs:          len(t.macToIPs),
		SuspiciousActivities: len(t.suspicious),
		HistoryBuckets:       len(t.history),
	}
}
