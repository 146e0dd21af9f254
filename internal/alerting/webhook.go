package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// WebhookConfig configures the generic JSON webhook channel.
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url" json:"url"`
	Method  string            `mapstructure:"method" yaml:"method" json:"method"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers" json:"headers,omitempty"`
}

// WebhookChannel sends the alert JSON to an arbitrary endpoint.
type WebhookChannel struct {
	toggle
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookChannel validates the method; only POST and PUT are accepted.
func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Method != http.MethodPost && cfg.Method != http.MethodPut {
		return nil, fmt.Errorf("webhook channel: unsupported method %q", cfg.Method)
	}
	return &WebhookChannel{cfg: cfg, client: httpClient}, nil
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if !c.Enabled() {
		return ErrChannelDisabled
	}
	if c.cfg.URL == "" {
		return errors.New("webhook channel: url is required")
	}
	return sendJSON(ctx, c.client, c.cfg.Method, c.cfg.URL, alert, c.cfg.Headers)
}
