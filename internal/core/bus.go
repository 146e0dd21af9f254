package core

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/arp"
)

const (
	packetsStream   = "ARPGUARD_PACKETS"
	alertsStream    = "ARPGUARD_ALERTS"
	packetsSubjects = "arpguard.packets.>"
	alertsSubjects  = "arpguard.alerts.>"
	packetsDurable  = "arpguard-pipeline"
)

// EventBus wraps NATS JetStream for packet ingest and alert publishing.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	// inflight tracks packet handlers still running; stopped rejects new ones.
	inflight sync.WaitGroup
	stopped  bool

	metrics *BusMetrics
}

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu               sync.Mutex
	PacketsPublished int64 `json:"packets_published"`
	AlertsPublished  int64 `json:"alerts_published"`
	PublishFailed    int64 `json:"publish_failed"`
	MessagesAcked    int64 `json:"messages_acked"`
	MessagesRejected int64 `json:"messages_rejected"`
}

func (m *BusMetrics) inc(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an
// embedded NATS server with JetStream; a negative port picks a free one.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("arpguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      packetsStream,
			Subjects:  []string{packetsSubjects},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			MaxBytes:  512 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      alertsStream,
			Subjects:  []string{alertsSubjects},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		// AddStream fails when the stream exists with a different config.
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				_ = bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// Publish sends data to subject. Subjects covered by a stream go through
// JetStream; anything else is a plain core NATS publish.
func (b *EventBus) Publish(subject string, data []byte) error {
	var err error
	switch {
	case strings.HasPrefix(subject, "arpguard.alerts."), strings.HasPrefix(subject, "arpguard.packets."):
		_, err = b.js.Publish(subject, data)
	default:
		err = b.nc.Publish(subject, data)
	}
	if err != nil {
		b.metrics.inc(&b.metrics.PublishFailed)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	if strings.HasPrefix(subject, "arpguard.alerts.") {
		b.metrics.inc(&b.metrics.AlertsPublished)
	} else {
		b.metrics.inc(&b.metrics.PacketsPublished)
	}
	return nil
}

// PublishPacket publishes a packet record on arpguard.packets.<interface>.
func (b *EventBus) PublishPacket(pkt arp.PacketRecord) error {
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling packet: %w", err)
	}
	iface := pkt.Interface
	if iface == "" {
		iface = "unknown"
	}
	return b.Publish("arpguard.packets."+subjectToken(iface), data)
}

// subjectToken makes s safe for use as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribePackets delivers every packet published under subject to handler.
// Malformed payloads are terminated so they are not redelivered.
func (b *EventBus) SubscribePackets(subject string, handler func(pkt arp.PacketRecord)) error {
	if subject == "" {
		subject = packetsSubjects
	}
	return b.Subscribe(subject, packetsDurable, func(msg *nats.Msg) {
		b.mu.RLock()
		if b.stopped {
			b.mu.RUnlock()
			return
		}
		b.inflight.Add(1)
		b.mu.RUnlock()
		defer b.inflight.Done()

		pkt, err := arp.UnmarshalPacket(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed packet")
			_ = msg.Term()
			b.metrics.inc(&b.metrics.MessagesRejected)
			return
		}
		handler(pkt)
		_ = msg.Ack()
		b.metrics.inc(&b.metrics.MessagesAcked)
	})
}

// Conn exposes the underlying connection for request/reply clients.
func (b *EventBus) Conn() *nats.Conn {
	return b.nc
}

// StopSubscriptions unsubscribes every subscription and waits for packet
// handlers already running to return. Unacknowledged packets stay in the
// stream for the next start. The connection stays open for publishing.
func (b *EventBus) StopSubscriptions() {
	b.mu.Lock()
	b.stopped = true
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.inflight.Wait()
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.StopSubscriptions()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"packets_published": b.metrics.PacketsPublished,
		"alerts_published":  b.metrics.AlertsPublished,
		"publish_failed":    b.metrics.PublishFailed,
		"messages_acked":    b.metrics.MessagesAcked,
		"messages_rejected": b.metrics.MessagesRejected,
	}
}
