package arp

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		pkt   PacketRecord
		field string
	}{
		{"complete", PacketRecord{SrcIP: "10.0.0.1", SrcMAC: "aa:bb:cc:dd:ee:ff"}, ""},
		{"missing ip", PacketRecord{SrcMAC: "aa:bb:cc:dd:ee:ff"}, "src_ip"},
		{"missing mac", PacketRecord{SrcIP: "10.0.0.1"}, "src_mac"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pkt.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("err = %v, want missing %s", err, tt.field)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := PacketRecord{SrcMAC: " AA:BB:CC:DD:EE:FF ", SrcIP: " 10.0.0.1"}
	p.Normalize(now)
	if p.SrcMAC != "aa:bb:cc:dd:ee:ff" || p.SrcIP != "10.0.0.1" || !p.Timestamp.Equal(now) {
		t.Errorf("normalized = %+v", p)
	}

	earlier := now.Add(-time.Hour)
	q := PacketRecord{Timestamp: earlier}
	q.Normalize(now)
	if !q.Timestamp.Equal(earlier) {
		t.Error("existing timestamp overwritten")
	}
}

func TestIsGratuitous(t *testing.T) {
	if !(PacketRecord{SrcIP: "10.0.0.1", DstIP: "10.0.0.1", Op: OpReply}).IsGratuitous() {
		t.Error("reply with src == dst should be gratuitous")
	}
	if (PacketRecord{SrcIP: "10.0.0.1", DstIP: "10.0.0.1", Op: OpRequest}).IsGratuitous() {
		t.Error("request should not be gratuitous")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := PacketRecord{SrcIP: "10.0.0.1", SrcMAC: "aa:bb:cc:dd:ee:ff", Op: OpReply, Interface: "eth0"}
	data, err := in.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	out, err := UnmarshalPacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.SrcIP != in.SrcIP || out.Op != OpReply || out.Interface != "eth0" {
		t.Errorf("decoded = %+v", out)
	}
	if _, err := UnmarshalPacket([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
	if OpReply.String() != "reply" || Operation(9).String() != "unknown" {
		t.Error("Operation.String mismatch")
	}
}
