package arp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is the ARP opcode.
type Operation int

const (
	OpRequest Operation = 1
	OpReply   Operation = 2
)

func (o Operation) String() string {
	switch o {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return "unknown"
	}
}

// PacketRecord is a single observed ARP packet. Capture and decoding happen
// upstream; records reach the detector over the bus or from a replay file.
type PacketRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SrcMAC    string    `json:"src_mac"`
	DstMAC    string    `json:"dst_mac"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	Op        Operation `json:"op"`
	HWType    int       `json:"hw_type,omitempty"`
	ProtoType int       `json:"proto_type,omitempty"`
	Interface string    `json:"interface,omitempty"`
}

// ValidationError reports a packet that is missing mandatory fields.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid packet: missing %s", e.Field)
}

// Validate checks that the source address pair is present.
func (p PacketRecord) Validate() error {
	if p.SrcIP == "" {
		return &ValidationError{Field: "src_ip"}
	}
	if p.SrcMAC == "" {
		return &ValidationError{Field: "src_mac"}
	}
	return nil
}

// IsReply reports whether the packet is an ARP reply.
func (p PacketRecord) IsReply() bool { return p.Op == OpReply }

// IsGratuitous reports whether the packet is a reply announcing its own
// address (source IP equals destination IP).
func (p PacketRecord) IsGratuitous() bool {
	return p.Op == OpReply && p.SrcIP != "" && p.SrcIP == p.DstIP
}

// Normalize lowercases MAC addresses and fills a zero timestamp.
func (p *PacketRecord) Normalize(now time.Time) {
	p.SrcMAC = strings.ToLower(strings.TrimSpace(p.SrcMAC))
	p.DstMAC = strings.ToLower(strings.TrimSpace(p.DstMAC))
	p.SrcIP = strings.TrimSpace(p.SrcIP)
	p.DstIP = strings.TrimSpace(p.DstIP)
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
}

// UnmarshalPacket decodes a JSON packet record.
func UnmarshalPacket(data []byte) (PacketRecord, error) {
	var p PacketRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decoding packet: %w", err)
	}
	return p, nil
}

// Marshal encodes the record as JSON.
func (p PacketRecord) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
