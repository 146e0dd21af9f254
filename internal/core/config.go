package core

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arpguard/arpguard/internal/alerting"
)

// EnvPrefix prefixes environment overrides, e.g. ARPGUARD_LOGGING_LEVEL.
const EnvPrefix = "ARPGUARD"

// Config holds the entire ARPGuard configuration.
type Config struct {
	Logging    LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Interfaces []string        `mapstructure:"interfaces" yaml:"interfaces"`
	Gateway    GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Context    ContextConfig   `mapstructure:"context" yaml:"context"`
	Rules      RulesConfig     `mapstructure:"rules" yaml:"rules"`
	Thresholds ThresholdConfig `mapstructure:"thresholds" yaml:"thresholds"`
	Alerts     AlertConfig     `mapstructure:"alerts" yaml:"alerts"`
	Channels   ChannelsConfig  `mapstructure:"channels" yaml:"channels"`
	Response   ResponseConfig  `mapstructure:"response" yaml:"response"`
	Detection  DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Oracle     OracleConfig    `mapstructure:"oracle" yaml:"oracle"`
	Bus        BusConfig       `mapstructure:"bus" yaml:"bus"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// GatewayConfig seeds the known gateway. Empty values leave gateway
// detection to the tracker's heuristic.
type GatewayConfig struct {
	IP  string `mapstructure:"ip" yaml:"ip"`
	MAC string `mapstructure:"mac" yaml:"mac"`
}

// ContextConfig holds network context tracker settings.
type ContextConfig struct {
	HistoryWindow time.Duration `mapstructure:"history_window" yaml:"history_window"`
	CountWindow   time.Duration `mapstructure:"count_window" yaml:"count_window"`
	MaxSuspicious int           `mapstructure:"max_suspicious" yaml:"max_suspicious"`
}

// RulesConfig holds rule persistence settings.
type RulesConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ThresholdConfig holds adaptive threshold settings.
type ThresholdConfig struct {
	Path           string            `mapstructure:"path" yaml:"path"`
	UpdateInterval time.Duration     `mapstructure:"update_interval" yaml:"update_interval"`
	CheckInterval  time.Duration     `mapstructure:"check_interval" yaml:"check_interval"`
	RateWindow     time.Duration     `mapstructure:"rate_window" yaml:"rate_window"`
	RateAnomaly    RateAnomalyConfig `mapstructure:"rate_anomaly" yaml:"rate_anomaly"`
}

// RateAnomalyConfig seeds the per-interface rate thresholds. The critical
// threshold starts at twice the warning value.
type RateAnomalyConfig struct {
	PacketsPerSecond float64 `mapstructure:"packets_per_second" yaml:"packets_per_second"`
	WindowSize       int     `mapstructure:"window_size" yaml:"window_size"`
}

// AlertConfig holds alert manager settings.
type AlertConfig struct {
	MaxAlerts       int             `mapstructure:"max_alerts" yaml:"max_alerts"`
	MinPriority     string          `mapstructure:"min_priority" yaml:"min_priority"`
	DeliveryTimeout time.Duration   `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	DedupTTL        time.Duration   `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
	DedupMaxSize    int             `mapstructure:"dedup_max_size" yaml:"dedup_max_size"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig limits alerts per source. Zero disables the limit.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// ChannelsConfig holds per-channel notification settings.
type ChannelsConfig struct {
	Console ConsoleChannelConfig `mapstructure:"console" yaml:"console"`
	Email   EmailChannelConfig   `mapstructure:"email" yaml:"email"`
	Slack   SlackChannelConfig   `mapstructure:"slack" yaml:"slack"`
	Webhook WebhookChannelConfig `mapstructure:"webhook" yaml:"webhook"`
	NATS    NATSChannelConfig    `mapstructure:"nats" yaml:"nats"`
}

type ConsoleChannelConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Color   bool `mapstructure:"color" yaml:"color"`
}

type EmailChannelConfig struct {
	Enabled              bool `mapstructure:"enabled" yaml:"enabled"`
	alerting.EmailConfig `mapstructure:",squash" yaml:",inline"`
}

type SlackChannelConfig struct {
	Enabled              bool `mapstructure:"enabled" yaml:"enabled"`
	alerting.SlackConfig `mapstructure:",squash" yaml:",inline"`
}

type WebhookChannelConfig struct {
	Enabled                bool `mapstructure:"enabled" yaml:"enabled"`
	alerting.WebhookConfig `mapstructure:",squash" yaml:",inline"`
}

type NATSChannelConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// ResponseConfig holds automated response settings.
type ResponseConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	DryRun          bool          `mapstructure:"dry_run" yaml:"dry_run"`
	LogFile         string        `mapstructure:"log_file" yaml:"log_file"`
	BlockCommand    string        `mapstructure:"block_command" yaml:"block_command"`
	ThrottleCommand string        `mapstructure:"throttle_command" yaml:"throttle_command"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// DetectionConfig selects the packet sources feeding the pipeline.
type DetectionConfig struct {
	PacketSubject string       `mapstructure:"packet_subject" yaml:"packet_subject"`
	ReplayFile    string       `mapstructure:"replay_file" yaml:"replay_file"`
	Syslog        SyslogConfig `mapstructure:"syslog" yaml:"syslog"`
}

// SyslogConfig configures the syslog listener that turns arpwatch and BSD
// kernel ARP messages into packet records.
type SyslogConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Protocol string `mapstructure:"protocol" yaml:"protocol"`
}

// OracleConfig holds ML scorer settings.
type OracleConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Subject        string        `mapstructure:"subject" yaml:"subject"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinProbability float64       `mapstructure:"min_probability" yaml:"min_probability"`
	Boost          float64       `mapstructure:"boost" yaml:"boost"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	URL      string `mapstructure:"url" yaml:"url"`
	Embedded bool   `mapstructure:"embedded" yaml:"embedded"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	Port     int    `mapstructure:"port" yaml:"port"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Host        string   `mapstructure:"host" yaml:"host"`
	Port        int      `mapstructure:"port" yaml:"port"`
	APIKeys     []string `mapstructure:"api_keys" yaml:"api_keys"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// DefaultConfig returns a Config with sane defaults; zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Interfaces: []string{"eth0"},
		Context: ContextConfig{
			HistoryWindow: time.Hour,
			CountWindow:   5 * time.Second,
			MaxSuspicious: 1000,
		},
		Rules: RulesConfig{
			Path: "./data/rules.yaml",
		},
		Thresholds: ThresholdConfig{
			Path:           "./data/thresholds.json",
			UpdateInterval: 10 * time.Second,
			CheckInterval:  time.Second,
			RateWindow:     10 * time.Second,
			RateAnomaly: RateAnomalyConfig{
				PacketsPerSecond: 500,
				WindowSize:       50,
			},
		},
		Alerts: AlertConfig{
			MaxAlerts:       10000,
			MinPriority:     "INFO",
			DeliveryTimeout: 5 * time.Second,
			DedupTTL:        time.Minute,
			DedupMaxSize:    10000,
		},
		Channels: ChannelsConfig{
			Console: ConsoleChannelConfig{Enabled: true, Color: true},
			Email: EmailChannelConfig{
				EmailConfig: alerting.EmailConfig{Port: 587, UseTLS: true},
			},
			Slack: SlackChannelConfig{
				SlackConfig: alerting.SlackConfig{Username: "ARPGuard"},
			},
			Webhook: WebhookChannelConfig{
				WebhookConfig: alerting.WebhookConfig{Method: "POST"},
			},
			NATS: NATSChannelConfig{SubjectPrefix: "arpguard.alerts"},
		},
		Response: ResponseConfig{
			Enabled:        true,
			DryRun:         true,
			LogFile:        "./data/alerts.log",
			PollInterval:   5 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Detection: DetectionConfig{
			PacketSubject: "arpguard.packets.>",
			Syslog: SyslogConfig{
				Host:     "0.0.0.0",
				Port:     5514,
				Protocol: "udp",
			},
		},
		Oracle: OracleConfig{
			Subject:        "arpguard.oracle.score",
			Timeout:        200 * time.Millisecond,
			MinProbability: 0.7,
			Boost:          0.5,
		},
		Bus: BusConfig{
			Enabled:  true,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8780,
		},
	}
}

// newViper returns a viper instance with every default registered, env
// overrides enabled and path (if any) set as the config file.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshaling defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("registering defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" || ext == "yml" {
			ext = "yaml"
		}
		v.SetConfigType(ext)
		v.SetConfigFile(path)
	}
	return v, nil
}

// LoadConfig loads configuration from a YAML or JSON file, falling back to
// defaults when the file does not exist. ARPGUARD_* environment variables
// override file values.
func LoadConfig(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Validate normalises the configuration and rejects values that would
// prevent startup.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	if _, ok := alerting.ParsePriority(c.Alerts.MinPriority); !ok {
		return fmt.Errorf("alerts.min_priority: unknown priority %q", c.Alerts.MinPriority)
	}
	c.Alerts.MinPriority = strings.ToUpper(c.Alerts.MinPriority)

	if c.Alerts.MaxAlerts <= 0 {
		return fmt.Errorf("alerts.max_alerts must be positive, got %d", c.Alerts.MaxAlerts)
	}
	if c.Thresholds.RateAnomaly.PacketsPerSecond < 0 {
		return fmt.Errorf("thresholds.rate_anomaly.packets_per_second must not be negative")
	}
	if c.Oracle.MinProbability < 0 || c.Oracle.MinProbability > 1 {
		return fmt.Errorf("oracle.min_probability must be within [0,1], got %v", c.Oracle.MinProbability)
	}
	switch p := strings.ToLower(c.Detection.Syslog.Protocol); p {
	case "", "udp", "tcp", "both":
		c.Detection.Syslog.Protocol = p
	default:
		return fmt.Errorf("detection.syslog.protocol must be udp, tcp or both, got %q", c.Detection.Syslog.Protocol)
	}
	if m := strings.ToUpper(c.Channels.Webhook.Method); m != "" && m != "POST" && m != "PUT" {
		return fmt.Errorf("channels.webhook.method must be POST or PUT, got %q", c.Channels.Webhook.Method)
	}
	if c.Oracle.Enabled && !c.Bus.Enabled {
		return errors.New("oracle requires the event bus to be enabled")
	}
	if c.Channels.NATS.Enabled && !c.Bus.Enabled {
		return errors.New("channels.nats requires the event bus to be enabled")
	}

	seen := make(map[string]bool, len(c.Interfaces))
	ifaces := c.Interfaces[:0]
	for _, iface := range c.Interfaces {
		iface = strings.TrimSpace(iface)
		if iface == "" || seen[iface] {
			continue
		}
		seen[iface] = true
		ifaces = append(ifaces, iface)
	}
	c.Interfaces = ifaces
	return nil
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// MinPriority returns the configured alert floor.
func (c *Config) MinPriority() alerting.Priority {
	p, _ := alerting.ParsePriority(c.Alerts.MinPriority)
	return p
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key
// in constant time.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
