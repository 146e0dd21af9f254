package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Publisher is the subset of the event bus the NATS channel needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes alert JSON on <prefix>.<type>.<priority>.
type NATSChannel struct {
	toggle
	pub    Publisher
	prefix string
}

func NewNATSChannel(pub Publisher, prefix string) *NATSChannel {
	if prefix == "" {
		prefix = "arpguard.alerts"
	}
	return &NATSChannel{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

func (c *NATSChannel) Name() string { return "nats" }

// Subject returns the subject an alert is published on.
func (c *NATSChannel) Subject(alert Alert) string {
	return fmt.Sprintf("%s.%s.%s", c.prefix, strings.ToLower(string(alert.Type)), strings.ToLower(alert.Priority.String()))
}

func (c *NATSChannel) Send(ctx context.Context, alert Alert) error {
	if !c.Enabled() {
		return ErrChannelDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := c.pub.Publish(c.Subject(alert), data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
