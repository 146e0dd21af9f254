// Package oracle talks to the external ML scoring service and folds its
// verdicts into rule-based detections.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/tracker"
)

// DefaultSubject is the request subject served by the scoring service.
const DefaultSubject = "arpguard.oracle.score"

// Features is the per-packet input sent to the scorer.
type Features struct {
	Timestamp            time.Time `json:"timestamp"`
	Interface            string    `json:"interface,omitempty"`
	SrcIP                string    `json:"src_ip"`
	SrcMAC               string    `json:"src_mac"`
	DstIP                string    `json:"dst_ip,omitempty"`
	DstMAC               string    `json:"dst_mac,omitempty"`
	Op                   int       `json:"op"`
	IsGratuitous         bool      `json:"is_gratuitous"`
	RecentPacketCount    int       `json:"recent_packet_count"`
	IPsForMAC            int       `json:"ips_for_mac"`
	KnownMAC             string    `json:"known_mac,omitempty"`
	IsGateway            bool      `json:"is_gateway"`
	SuspiciousActivities int       `json:"suspicious_activities"`
}

// Extract builds scorer features from a packet and a context snapshot.
func Extract(pkt arp.PacketRecord, snap tracker.Snapshot) Features {
	return Features{
		Timestamp:            pkt.Timestamp,
		Interface:            pkt.Interface,
		SrcIP:                pkt.SrcIP,
		SrcMAC:               pkt.SrcMAC,
		DstIP:                pkt.DstIP,
		DstMAC:               pkt.DstMAC,
		Op:                   int(pkt.Op),
		IsGratuitous:         pkt.IsGratuitous(),
		RecentPacketCount:    snap.RecentPacketCounts[pkt.SrcMAC],
		IPsForMAC:            len(snap.MACToIPs[pkt.SrcMAC]),
		KnownMAC:             snap.IPToMAC[pkt.SrcIP],
		IsGateway:            snap.GatewayIP != "" && snap.GatewayIP == pkt.SrcIP,
		SuspiciousActivities: len(snap.SuspiciousActivities),
	}
}

// Score is the scorer's verdict.
type Score struct {
	ThreatProbability float64 `json:"threat_probability"`
	IsAnomaly         bool    `json:"is_anomaly"`
	RecommendedAction string  `json:"recommended_action,omitempty"`
}

// Scorer returns a verdict for one packet.
type Scorer interface {
	Score(ctx context.Context, f Features) (Score, error)
}

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSScorer asks the scoring service over NATS request/reply.
type NATSScorer struct {
	req     Requester
	subject string
	timeout time.Duration
}

// NewNATSScorer uses DefaultSubject when subject is empty and a 200ms
// timeout when timeout is zero.
func NewNATSScorer(req Requester, subject string, timeout time.Duration) *NATSScorer {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &NATSScorer{req: req, subject: subject, timeout: timeout}
}

func (s *NATSScorer) Score(ctx context.Context, f Features) (Score, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return Score{}, fmt.Errorf("marshal features: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.req.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return Score{}, fmt.Errorf("oracle request: %w", err)
	}
	var sc Score
	if err := json.Unmarshal(msg.Data, &sc); err != nil {
		return Score{}, fmt.Errorf("decode oracle reply: %w", err)
	}
	if sc.ThreatProbability < 0 || sc.ThreatProbability > 1 {
		return Score{}, errors.New("oracle reply: threat_probability outside [0,1]")
	}
	return sc, nil
}
