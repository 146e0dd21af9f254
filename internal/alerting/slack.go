package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SlackConfig configures the Slack incoming-webhook channel.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url" json:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel" json:"channel"`
	Username   string `mapstructure:"username" yaml:"username" json:"username"`
}

// SlackChannel posts Block Kit messages to an incoming webhook.
type SlackChannel struct {
	toggle
	cfg    SlackConfig
	client *http.Client
}

func NewSlackChannel(cfg SlackConfig) *SlackChannel {
	if cfg.Username == "" {
		cfg.Username = "ARPGuard"
	}
	return &SlackChannel{cfg: cfg, client: httpClient}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, alert Alert) error {
	if !c.Enabled() {
		return ErrChannelDisabled
	}
	if c.cfg.WebhookURL == "" {
		return errors.New("slack channel: webhook_url is required")
	}
	return sendJSON(ctx, c.client, http.MethodPost, c.cfg.WebhookURL, SlackPayload(alert, c.cfg), nil)
}

// SlackPayload builds the webhook body: header, message, fields and context
// blocks plus a priority-coloured attachment.
func SlackPayload(alert Alert, cfg SlackConfig) map[string]interface{} {
	color := slackColor(alert.Priority)
	emoji := slackEmoji(alert.Type)

	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Type:*\n%s", alert.Type)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:*\n%s", alert.Priority)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Source:*\n%s", alert.Source)},
	}
	for _, key := range []string{"ip", "src_ip", "mac", "src_mac", "interface", "current_rate"} {
		if v := alert.DetailString(key); v != "" {
			fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*%s:*\n`%s`", key, v)})
		}
	}
	if len(fields) > 10 {
		fields = fields[:10]
	}

	id := alert.ID
	if len(id) > 12 {
		id = id[:12]
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": truncate(fmt.Sprintf("%s ARPGuard Alert: %s", emoji, alert.Type), 150),
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": truncate(alert.Message, 500),
			},
		},
		{
			"type":   "section",
			"fields": fields,
		},
		{
			"type": "context",
			"elements": []map[string]interface{}{
				{"type": "mrkdwn", "text": fmt.Sprintf("Alert ID: `%s` | %s", id, alert.Timestamp.Format(time.RFC3339))},
			},
		},
	}

	payload := map[string]interface{}{
		"username": cfg.Username,
		"text":     fmt.Sprintf("%s [%s] %s", emoji, alert.Priority, alert.Message),
		"blocks":   blocks,
		"attachments": []map[string]interface{}{
			{"color": color, "blocks": []interface{}{}},
		},
	}
	if cfg.Channel != "" {
		payload["channel"] = cfg.Channel
	}
	return payload
}

func slackColor(p Priority) string {
	switch p {
	case PriorityCritical:
		return "#d32f2f"
	case PriorityHigh:
		return "#f44336"
	case PriorityMedium:
		return "#ff9800"
	case PriorityLow:
		return "#2196f3"
	default:
		return "#9e9e9e"
	}
}

func slackEmoji(t AlertType) string {
	switch t {
	case TypeARPSpoofing:
		return "🚨"
	case TypeGatewayChange:
		return "🛑"
	case TypeRateAnomaly:
		return "📈"
	case TypeNetworkScan:
		return "🔍"
	case TypePatternMatch:
		return "🧩"
	case TypeSystem:
		return "⚙️"
	default:
		return "🔵"
	}
}
