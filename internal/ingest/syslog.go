package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/arp"
)

// PacketHandler receives each packet record extracted from a syslog message.
type PacketHandler func(arp.PacketRecord)

// Options configures a SyslogServer.
type Options struct {
	Host     string
	Port     int
	Protocol string // udp, tcp or both
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Stats counts syslog messages by outcome.
type Stats struct {
	Received int64 `json:"received"`
	Packets  int64 `json:"packets"`
	Ignored  int64 `json:"ignored"`
}

// SyslogServer listens for syslog messages (RFC 5424 / RFC 3164) over UDP
// and/or TCP and turns ARP change reports from arpwatch and BSD kernels into
// packet records.
type SyslogServer struct {
	opts    Options
	handler PacketHandler
	logger  zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	udpConn *net.UDPConn
	tcpLn   net.Listener

	received atomic.Int64
	packets  atomic.Int64
	ignored  atomic.Int64
}

// NewSyslogServer creates a new syslog ingestion server.
func NewSyslogServer(opts Options, handler PacketHandler) *SyslogServer {
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyslogServer{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With().Str("component", "syslog_ingest").Logger(),
	}
}

// Start begins listening for syslog messages.
func (s *SyslogServer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	proto := strings.ToLower(s.opts.Protocol)
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	if proto == "udp" || proto == "both" {
		if err := s.startUDP(addr); err != nil {
			s.cancel()
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if proto == "tcp" || proto == "both" {
		if err := s.startTCP(addr); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Msg("syslog ingestion started")
	return nil
}

// Stop closes the listeners and waits for the readers to exit.
func (s *SyslogServer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("syslog ingestion stopped")
}

// UDPAddr returns the bound UDP address, or nil when UDP is not enabled.
func (s *SyslogServer) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil when TCP is not enabled.
func (s *SyslogServer) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Stats returns the message counters.
func (s *SyslogServer) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Packets:  s.packets.Load(),
		Ignored:  s.ignored.Load(),
	}
}

func (s *SyslogServer) startUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
			s.processMessage(string(buf[:n]))
		}
	}()
	return nil
}

func (s *SyslogServer) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			s.wg.Add(1)
			go s.handleTCPConn(conn)
		}
	}()
	return nil
}

func (s *SyslogServer) handleTCPConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		s.processMessage(scanner.Text())
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("TCP connection read error")
	}
}

func (s *SyslogServer) processMessage(raw string) {
	s.received.Add(1)
	msg := parseSyslog(raw)
	if msg == nil {
		msg = &syslogMessage{Message: strings.TrimSpace(raw)}
	}
	ts := s.opts.Now()
	if msg.Timestamp != nil {
		ts = *msg.Timestamp
	}

	records := parseARPMessage(msg.Message, ts)
	if len(records) == 0 {
		s.ignored.Add(1)
		s.logger.Trace().Str("raw", truncate(raw, 200)).Msg("syslog message carries no ARP change")
		return
	}
	for _, rec := range records {
		s.packets.Add(1)
		s.handler(rec)
	}
}

// syslogMessage represents a parsed syslog message.
type syslogMessage struct {
	Facility  int
	Severity  int
	Timestamp *time.Time
	Hostname  string
	AppName   string
	ProcID    string
	Message   string
}

// RFC 5424 pattern: <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)

// RFC 3164 pattern: <PRI>TIMESTAMP HOSTNAME MSG
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// Bare priority pattern: <PRI>MSG
var barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)

func parseSyslog(raw string) *syslogMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[4],
			AppName:  m[5],
			ProcID:   m[6],
			Message:  m[8],
		}
		if t, err := time.Parse(time.RFC3339, m[3]); err == nil {
			msg.Timestamp = &t
		}
		return msg
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[3],
			Message:  m[4],
		}
		// BSD timestamps carry no year.
		if t, err := time.Parse("2006 Jan _2 15:04:05", fmt.Sprintf("%d %s", time.Now().Year(), m[2])); err == nil {
			msg.Timestamp = &t
		}
		// "arpwatch[1234]: message"
		if idx := strings.Index(msg.Message, ":"); idx > 0 && !strings.ContainsAny(msg.Message[:idx], " \t") {
			appPart := msg.Message[:idx]
			if pidIdx := strings.Index(appPart, "["); pidIdx > 0 {
				msg.AppName = appPart[:pidIdx]
				msg.ProcID = strings.Trim(appPart[pidIdx:], "[]")
			} else {
				msg.AppName = appPart
			}
			msg.Message = strings.TrimSpace(msg.Message[idx+1:])
		}
		return msg
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		return &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Message:  m[2],
		}
	}
	return nil
}

const (
	ipPat  = `(\d{1,3}(?:\.\d{1,3}){3})`
	macPat = `([0-9A-Fa-f]{1,2}(?::[0-9A-Fa-f]{1,2}){5})`
)

var (
	// arpwatch: "new station 10.0.0.7 0:11:22:33:44:55 eth0"
	arpwatchNewRe = regexp.MustCompile(`(?:new station|new activity)\s+` + ipPat + `\s+` + macPat + `(?:\s+(\S+))?`)
	// arpwatch: "changed ethernet address 10.0.0.5 0:11:22:33:44:66 (0:11:22:33:44:55) eth0",
	// also "flip flop" and "reused old ethernet address".
	arpwatchChangeRe = regexp.MustCompile(`(?:changed ethernet address|flip flop|reused old ethernet address)\s+` + ipPat + `\s+` + macPat + `\s+\(` + macPat + `\)(?:\s+(\S+))?`)
	// FreeBSD/pfSense kernel: "arp: 10.0.0.5 moved from 00:11:22:33:44:55 to 00:11:22:33:44:66 on em0"
	bsdMovedRe = regexp.MustCompile(`(?:arp:\s+)?` + ipPat + `\s+moved from\s+` + macPat + `\s+to\s+` + macPat + `(?:\s+on\s+(\S+))?`)
)

// parseARPMessage extracts packet records from an ARP change report. A change
// yields the previous binding followed by the new one so the tracker sees the
// transition even if it never observed the old address.
func parseARPMessage(msg string, ts time.Time) []arp.PacketRecord {
	reply := func(ip, mac, iface string) (arp.PacketRecord, bool) {
		norm, ok := normalizeMAC(mac)
		if !ok || net.ParseIP(ip) == nil {
			return arp.PacketRecord{}, false
		}
		return arp.PacketRecord{
			Timestamp: ts,
			SrcIP:     ip,
			SrcMAC:    norm,
			Op:        arp.OpReply,
			Interface: iface,
		}, true
	}
	pair := func(ip, oldMAC, newMAC, iface string) []arp.PacketRecord {
		before, ok1 := reply(ip, oldMAC, iface)
		after, ok2 := reply(ip, newMAC, iface)
		if !ok1 || !ok2 {
			return nil
		}
		return []arp.PacketRecord{before, after}
	}

	if m := arpwatchChangeRe.FindStringSubmatch(msg); m != nil {
		return pair(m[1], m[3], m[2], m[4])
	}
	if m := bsdMovedRe.FindStringSubmatch(msg); m != nil {
		return pair(m[1], m[2], m[3], m[4])
	}
	if m := arpwatchNewRe.FindStringSubmatch(msg); m != nil {
		if rec, ok := reply(m[1], m[2], m[3]); ok {
			return []arp.PacketRecord{rec}
		}
	}
	return nil
}

// normalizeMAC zero-pads arpwatch's short octets ("0:1b:..") and returns the
// canonical lowercase form.
func normalizeMAC(s string) (string, bool) {
	parts := strings.Split(s, ":")
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
		}
	}
	hw, err := net.ParseMAC(strings.Join(parts, ":"))
	if err != nil {
		return "", false
	}
	return hw.String(), true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
