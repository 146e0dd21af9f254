package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arpguard/arpguard/internal/alerting"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ─── Defaults ────────────────────────────────────────────────────────────────

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Alerts.MaxAlerts != 10000 {
		t.Errorf("MaxAlerts = %d, want 10000", cfg.Alerts.MaxAlerts)
	}
	if cfg.Alerts.DeliveryTimeout != 5*time.Second {
		t.Errorf("DeliveryTimeout = %v, want 5s", cfg.Alerts.DeliveryTimeout)
	}
	if cfg.Context.HistoryWindow != time.Hour || cfg.Context.CountWindow != 5*time.Second {
		t.Errorf("context = %+v", cfg.Context)
	}
	if cfg.Response.PollInterval != 5*time.Second || !cfg.Response.DryRun {
		t.Errorf("response = %+v", cfg.Response)
	}
	if cfg.Channels.Email.Port != 587 || cfg.Channels.Slack.Username != "ARPGuard" {
		t.Errorf("channels = %+v", cfg.Channels)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

// ─── LoadConfig ──────────────────────────────────────────────────────────────

func TestLoadConfig_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 8780 || cfg.Thresholds.RateAnomaly.PacketsPerSecond != 500 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_NonExistentFile_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Alerts.MaxAlerts != 10000 {
		t.Errorf("MaxAlerts = %d, want default", cfg.Alerts.MaxAlerts)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeTempConfig(t, "arpguard.yaml", `
logging:
  level: DEBUG
  format: json
interfaces: [eth1, wlan0, eth1]
gateway:
  ip: 192.168.1.1
  mac: aa:bb:cc:00:00:01
thresholds:
  rate_anomaly:
    packets_per_second: 300
    window_size: 20
alerts:
  min_priority: medium
  dedup_ttl: 2m
channels:
  slack:
    enabled: true
    webhook_url: https://hooks.example.com/x
  email:
    smtp_host: mail.example.com
    to: [ops@example.com]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if len(cfg.Interfaces) != 2 || cfg.Interfaces[0] != "eth1" || cfg.Interfaces[1] != "wlan0" {
		t.Errorf("interfaces = %v", cfg.Interfaces)
	}
	if cfg.Gateway.IP != "192.168.1.1" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Thresholds.RateAnomaly.PacketsPerSecond != 300 || cfg.Thresholds.RateAnomaly.WindowSize != 20 {
		t.Errorf("rate_anomaly = %+v", cfg.Thresholds.RateAnomaly)
	}
	if cfg.MinPriority() != alerting.PriorityMedium || cfg.Alerts.DedupTTL != 2*time.Minute {
		t.Errorf("alerts = %+v", cfg.Alerts)
	}
	if !cfg.Channels.Slack.Enabled || cfg.Channels.Slack.WebhookURL != "https://hooks.example.com/x" || cfg.Channels.Slack.Username != "ARPGuard" {
		t.Errorf("slack = %+v", cfg.Channels.Slack)
	}
	if cfg.Channels.Email.Host != "mail.example.com" || cfg.Channels.Email.Port != 587 || len(cfg.Channels.Email.To) != 1 {
		t.Errorf("email = %+v", cfg.Channels.Email)
	}
	// Untouched sections keep their defaults.
	if cfg.Alerts.MaxAlerts != 10000 || cfg.Server.Port != 8780 {
		t.Errorf("defaults lost: alerts=%+v server=%+v", cfg.Alerts, cfg.Server)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeTempConfig(t, "arpguard.json", `{"alerts": {"max_alerts": 25}, "server": {"port": 9000}}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Alerts.MaxAlerts != 25 || cfg.Server.Port != 9000 {
		t.Errorf("alerts=%+v server=%+v", cfg.Alerts, cfg.Server)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("ARPGUARD_LOGGING_LEVEL", "warn")
	t.Setenv("ARPGUARD_ALERTS_MAX_ALERTS", "42")
	path := writeTempConfig(t, "arpguard.yaml", "logging:\n  level: debug\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.LogLevel() != "warn" || cfg.Alerts.MaxAlerts != 42 {
		t.Errorf("env not applied: level=%s max=%d", cfg.LogLevel(), cfg.Alerts.MaxAlerts)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", ": bad: yaml: {{{{"},
		{"unknown priority", "alerts:\n  min_priority: URGENT\n"},
		{"zero max alerts", "alerts:\n  max_alerts: 0\n"},
		{"bad webhook method", "channels:\n  webhook:\n    method: GET\n"},
		{"oracle without bus", "oracle:\n  enabled: true\nbus:\n  enabled: false\n"},
		{"probability out of range", "oracle:\n  min_probability: 1.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeTempConfig(t, "c.yaml", tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// ─── SaveConfig ──────────────────────────────────────────────────────────────

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interfaces = []string{"br0"}
	cfg.Alerts.DedupTTL = 90 * time.Second
	cfg.Channels.Webhook.Headers = map[string]string{"X-Token": "abc"}
	cfg.Channels.Webhook.URL = "https://example.com/hook"

	path := filepath.Join(t.TempDir(), "nested", "arpguard.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if len(loaded.Interfaces) != 1 || loaded.Interfaces[0] != "br0" {
		t.Errorf("interfaces = %v", loaded.Interfaces)
	}
	if loaded.Alerts.DedupTTL != 90*time.Second {
		t.Errorf("DedupTTL = %v", loaded.Alerts.DedupTTL)
	}
	// viper lowercases map keys; header names are case-insensitive anyway.
	if loaded.Channels.Webhook.URL != "https://example.com/hook" || loaded.Channels.Webhook.Headers["x-token"] != "abc" {
		t.Errorf("webhook = %+v", loaded.Channels.Webhook)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		"warn":    "warn",
		"warning": "warn",
		"error":   "error",
		"":        "info",
		"bogus":   "info",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AuthEnabled() {
		t.Error("auth should be disabled without keys")
	}
	cfg.Server.APIKeys = []string{"key-one", "key-two"}
	if !cfg.AuthEnabled() {
		t.Error("auth should be enabled with keys")
	}
	if !cfg.ValidateAPIKey("key-two") || cfg.ValidateAPIKey("key-three") || cfg.ValidateAPIKey("") {
		t.Error("ValidateAPIKey returned wrong result")
	}
}
