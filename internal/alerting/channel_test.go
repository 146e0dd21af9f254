package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleAlert() Alert {
	return Alert{
		ID:        "3f1c2a9e-0000-4000-8000-000000000001",
		Type:      TypeARPSpoofing,
		Priority:  PriorityCritical,
		Message:   "IP 10.0.0.1 moved to aa:bb:cc:dd:ee:ff",
		Timestamp: base,
		Source:    "rule_engine",
		Status:    StatusNew,
		Details:   map[string]interface{}{"src_ip": "10.0.0.1", "src_mac": "aa:bb:cc:dd:ee:ff"},
	}
}

// ─── Console ─────────────────────────────────────────────────────────────────

func TestConsoleChannel_PlainFormat(t *testing.T) {
	var buf strings.Builder
	c := NewConsoleChannel(&buf, false)
	if err := c.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"[CRITICAL] ARP_SPOOFING", "Source:    rule_engine", "src_mac: aa:bb:cc:dd:ee:ff"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("uncoloured console emitted ANSI escapes")
	}
}

func TestConsoleChannel_Disabled(t *testing.T) {
	c := NewConsoleChannel(&strings.Builder{}, false)
	c.Disable()
	if err := c.Send(context.Background(), sampleAlert()); !errors.Is(err, ErrChannelDisabled) {
		t.Errorf("err = %v, want ErrChannelDisabled", err)
	}
}

// ─── Slack ───────────────────────────────────────────────────────────────────

func TestSlackChannel_PostsBlocks(t *testing.T) {
	var (
		mu  sync.Mutex
		got map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSlackChannel(SlackConfig{WebhookURL: srv.URL, Channel: "#sec"})
	if err := c.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got["channel"] != "#sec" {
		t.Errorf("channel = %v", got["channel"])
	}
	attachments, _ := got["attachments"].([]interface{})
	if len(attachments) != 1 || attachments[0].(map[string]interface{})["color"] != "#d32f2f" {
		t.Errorf("attachments = %v", got["attachments"])
	}
	blocks, _ := got["blocks"].([]interface{})
	if len(blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(blocks))
	}
	header := blocks[0].(map[string]interface{})["text"].(map[string]interface{})["text"].(string)
	if !strings.HasPrefix(header, "🚨") {
		t.Errorf("header = %q, want spoofing emoji", header)
	}
}

func TestSlackPayload_ColorByPriority(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{PriorityCritical, "#d32f2f"},
		{PriorityHigh, "#f44336"},
		{PriorityMedium, "#ff9800"},
		{PriorityLow, "#2196f3"},
		{PriorityInfo, "#9e9e9e"},
	}
	for _, tt := range tests {
		a := sampleAlert()
		a.Priority = tt.p
		att := SlackPayload(a, SlackConfig{})["attachments"].([]map[string]interface{})
		if att[0]["color"] != tt.want {
			t.Errorf("%s: color = %v, want %s", tt.p, att[0]["color"], tt.want)
		}
	}
}

func TestSlackChannel_ServerErrorReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewSlackChannel(SlackConfig{WebhookURL: srv.URL})
	if err := c.Send(context.Background(), sampleAlert()); err == nil {
		t.Error("expected error on 500")
	}
}

// ─── Webhook ─────────────────────────────────────────────────────────────────

func TestWebhookChannel_PutWithHeaders(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		token  string
		body   Alert
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		token = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewWebhookChannel(WebhookConfig{URL: srv.URL, Method: "put", Headers: map[string]string{"X-Token": "s3cret"}})
	if err != nil {
		t.Fatalf("NewWebhookChannel: %v", err)
	}
	if err := c.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || token != "s3cret" {
		t.Errorf("method=%s token=%s", method, token)
	}
	if body.Priority != PriorityCritical || body.Type != TypeARPSpoofing {
		t.Errorf("decoded body = %+v", body)
	}
}

func TestWebhookChannel_RejectsMethod(t *testing.T) {
	if _, err := NewWebhookChannel(WebhookConfig{URL: "http://x", Method: "GET"}); err == nil {
		t.Error("GET should be rejected")
	}
}

func TestWebhookChannel_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := NewWebhookChannel(WebhookConfig{URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := c.Send(ctx, sampleAlert()); err == nil {
		t.Error("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("send ignored context deadline")
	}
}

// ─── NATS ────────────────────────────────────────────────────────────────────

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return nil
}

func TestNATSChannel_Subject(t *testing.T) {
	pub := &fakePublisher{}
	c := NewNATSChannel(pub, "")
	if err := c.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if pub.subject != "arpguard.alerts.arp_spoofing.critical" {
		t.Errorf("subject = %s", pub.subject)
	}
	var a Alert
	if err := json.Unmarshal(pub.data, &a); err != nil || a.ID != sampleAlert().ID {
		t.Errorf("payload = %s err=%v", pub.data, err)
	}
}

// ─── Email ───────────────────────────────────────────────────────────────────

// fakeSMTP accepts one session and sends the DATA payload on the channel.
func fakeSMTP(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP test")
		var data string
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"):
				_ = tp.PrintfLine("250-localhost")
				_ = tp.PrintfLine("250 HELP")
			case line == "DATA":
				_ = tp.PrintfLine("354 end with .")
				lines, _ := tp.ReadDotLines()
				data = strings.Join(lines, "\n")
				_ = tp.PrintfLine("250 queued")
			case line == "QUIT":
				_ = tp.PrintfLine("221 bye")
				got <- data
				return
			default:
				_ = tp.PrintfLine("250 OK")
			}
		}
	}()
	return ln.Addr().String(), got
}

func TestEmailChannel_SendsPlaintext(t *testing.T) {
	addr, got := fakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	c := NewEmailChannel(EmailConfig{Host: host, Port: port, From: "arpguard@example.com", To: []string{"soc@example.com"}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Send(ctx, sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-got:
		for _, want := range []string{"Subject: [ARPGuard CRITICAL] ARP_SPOOFING", "Content-Type: text/plain", "Priority: CRITICAL", "- src_ip: 10.0.0.1"} {
			if !strings.Contains(data, want) {
				t.Errorf("message missing %q:\n%s", want, data)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("smtp server received no message")
	}
}

func TestEmailSubject_FoldsLineBreaks(t *testing.T) {
	alert := sampleAlert()
	alert.Message = "spoofed reply from 10.0.0.5\r\nBcc: attacker@example.com\nX-Extra: 1"
	subj := EmailSubject(alert)
	if strings.ContainsAny(subj, "\r\n") {
		t.Fatalf("subject contains line break: %q", subj)
	}

	c := NewEmailChannel(EmailConfig{From: "arpguard@example.com", To: []string{"soc@example.com"}})
	msg := string(c.message(alert))
	headers, _, _ := strings.Cut(msg, "\r\n\r\n")
	for _, line := range strings.Split(headers, "\r\n") {
		if strings.HasPrefix(line, "Bcc:") || strings.HasPrefix(line, "X-Extra:") {
			t.Errorf("injected header line %q", line)
		}
	}
}

func TestEmailChannel_RequiresRecipients(t *testing.T) {
	c := NewEmailChannel(EmailConfig{Host: "localhost", From: "a@b"})
	if err := c.Send(context.Background(), sampleAlert()); err == nil {
		t.Error("expected configuration error")
	}
}
