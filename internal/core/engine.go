package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/arpguard/arpguard/internal/alerting"
	"github.com/arpguard/arpguard/internal/arp"
	"github.com/arpguard/arpguard/internal/ingest"
	"github.com/arpguard/arpguard/internal/metrics"
	"github.com/arpguard/arpguard/internal/oracle"
	"github.com/arpguard/arpguard/internal/ratedetect"
	"github.com/arpguard/arpguard/internal/ratemon"
	"github.com/arpguard/arpguard/internal/response"
	"github.com/arpguard/arpguard/internal/rules"
	"github.com/arpguard/arpguard/internal/threshold"
	"github.com/arpguard/arpguard/internal/tracker"
)

// Version is set at build time.
var Version = "dev"

// Engine is the main ARPGuard engine that orchestrates all components.
type Engine struct {
	Config      *Config
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Tracker     *tracker.Tracker
	Rules       *rules.Engine
	Alerts      *alerting.Manager
	RateMonitor *ratemon.Monitor
	Rate        *ratedetect.Integration
	Handler     *response.Handler // nil when automated response is disabled
	Pipeline    *Pipeline
	Bus         *EventBus            // nil until Start, and when the bus is disabled
	Syslog      *ingest.SyslogServer // nil unless detection.syslog is enabled
	Logs        *LogRingBuffer       // optional, set by the caller for the API
	StartedAt   time.Time

	cfgMu       sync.RWMutex
	minPriority atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds every component from cfg. Only configuration errors that
// prevent startup are returned.
func NewEngine(cfg *Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.New()
	e := &Engine{
		Config:  cfg,
		Logger:  logger.With().Str("component", "engine").Logger(),
		Metrics: m,
	}
	e.minPriority.Store(int32(cfg.MinPriority()))

	e.Tracker = tracker.New(tracker.Options{
		HistoryWindow: cfg.Context.HistoryWindow,
		CountWindow:   cfg.Context.CountWindow,
		MaxSuspicious: cfg.Context.MaxSuspicious,
		Logger:        logger,
	})
	if cfg.Gateway.IP != "" {
		e.Tracker.SetGateway(cfg.Gateway.IP, cfg.Gateway.MAC)
	}

	e.Rules = rules.NewEngine(logger)
	if cfg.Rules.Path != "" {
		if err := e.Rules.LoadRules(cfg.Rules.Path); err != nil {
			e.Logger.Warn().Err(err).Str("path", cfg.Rules.Path).Msg("failed to load rules, using built-in set")
		}
	}

	e.Alerts = alerting.NewManager(alerting.Options{
		MaxAlerts:       cfg.Alerts.MaxAlerts,
		DeliveryTimeout: cfg.Alerts.DeliveryTimeout,
		Logger:          logger,
		Metrics:         m,
	})
	e.Alerts.AddFilter(func(a alerting.Alert) bool {
		return a.Priority >= alerting.Priority(e.minPriority.Load())
	})
	if cfg.Alerts.DedupTTL > 0 {
		e.Alerts.AddFilter(alerting.NewDedup(cfg.Alerts.DedupTTL, cfg.Alerts.DedupMaxSize, "rule_id", "interface", "threshold_type").Filter())
	}
	if cfg.Alerts.RateLimit.PerSecond > 0 {
		e.Alerts.AddFilter(alerting.RateLimitFilter(cfg.Alerts.RateLimit.PerSecond, cfg.Alerts.RateLimit.Burst))
	}
	if err := e.addChannels(cfg); err != nil {
		return nil, err
	}
	e.Alerts.SetUpdateCallback(func(a alerting.Alert) {
		e.Logger.Info().
			Str("alert_id", a.ID).
			Str("status", string(a.Status)).
			Msg("alert status changed")
	})

	e.RateMonitor = ratemon.New(logger)
	defaults := RateDefaults(cfg)
	e.Rate = ratedetect.New(e.Alerts, e.RateMonitor, ratedetect.Options{
		ThresholdPath:  cfg.Thresholds.Path,
		CheckInterval:  cfg.Thresholds.CheckInterval,
		UpdateInterval: cfg.Thresholds.UpdateInterval,
		RateWindow:     cfg.Thresholds.RateWindow,
		Defaults:       &defaults,
		Logger:         logger,
		Metrics:        m,
	})
	for _, iface := range cfg.Interfaces {
		e.Rate.AddInterfaceDetector(iface)
	}

	if cfg.Response.Enabled {
		e.Handler = response.NewHandler(e.Alerts, response.HandlerOptions{
			Interval: cfg.Response.PollInterval,
			Logger:   logger,
			Metrics:  m,
		})
		var exec response.CommandExecutor
		if cfg.Response.DryRun {
			exec = response.NewDryRunExecutor(logger)
		} else {
			exec = response.NewShellExecutor(cfg.Response.CommandTimeout, logger)
		}
		for _, r := range response.DefaultRules(response.PlaybookOptions{
			LogPath:         cfg.Response.LogFile,
			BlockCommand:    cfg.Response.BlockCommand,
			ThrottleCommand: cfg.Response.ThrottleCommand,
			Executor:        exec,
		}) {
			if err := e.Handler.AddRule(r); err != nil {
				return nil, fmt.Errorf("registering response rule: %w", err)
			}
		}
	}

	defaultIface := ""
	if len(cfg.Interfaces) > 0 {
		defaultIface = cfg.Interfaces[0]
	}
	e.Pipeline = NewPipeline(e.Tracker, e.Rules, e.Alerts, PipelineOptions{
		DefaultInterface: defaultIface,
		Counter:          e.Rate,
		Merger:           oracle.Merger{MinProbability: cfg.Oracle.MinProbability, Boost: cfg.Oracle.Boost},
		Metrics:          m,
		Logger:           logger,
	})

	return e, nil
}

// RateDefaults returns the per-interface seed thresholds, with the
// configured rate_anomaly values applied. The critical tier starts at twice
// the warning tier.
func RateDefaults(cfg *Config) threshold.Defaults {
	d := ratedetect.ARPDefaults()
	if pps := cfg.Thresholds.RateAnomaly.PacketsPerSecond; pps > 0 {
		d.WarningInitial = pps
		d.CriticalInitial = 2 * pps
	}
	if w := cfg.Thresholds.RateAnomaly.WindowSize; w > 0 {
		d.WarningWindow = w
		d.CriticalWindow = 2 * w
	}
	return d
}

// addChannels registers every configured notification channel. Channels
// without a destination are skipped; configured but disabled channels are
// registered disabled so a reload can turn them on.
func (e *Engine) addChannels(cfg *Config) error {
	console := alerting.NewConsoleChannel(os.Stdout, cfg.Channels.Console.Color)
	setEnabled(console, cfg.Channels.Console.Enabled)
	e.Alerts.AddChannel(console)

	if cfg.Channels.Email.Host != "" {
		ch := alerting.NewEmailChannel(cfg.Channels.Email.EmailConfig)
		setEnabled(ch, cfg.Channels.Email.Enabled)
		e.Alerts.AddChannel(ch)
	}
	if cfg.Channels.Slack.WebhookURL != "" {
		ch := alerting.NewSlackChannel(cfg.Channels.Slack.SlackConfig)
		setEnabled(ch, cfg.Channels.Slack.Enabled)
		e.Alerts.AddChannel(ch)
	}
	if cfg.Channels.Webhook.URL != "" {
		ch, err := alerting.NewWebhookChannel(cfg.Channels.Webhook.WebhookConfig)
		if err != nil {
			return fmt.Errorf("webhook channel: %w", err)
		}
		setEnabled(ch, cfg.Channels.Webhook.Enabled)
		e.Alerts.AddChannel(ch)
	}
	return nil
}

func setEnabled(ch alerting.Channel, enabled bool) {
	if enabled {
		ch.Enable()
	} else {
		ch.Disable()
	}
}

// Start connects the event bus and starts every background loop.
func (e *Engine) Start(ctx context.Context) error {
	e.Logger.Info().Str("version", Version).Msg("starting ARPGuard engine")
	e.ctx, e.cancel = context.WithCancel(ctx)
	cfg := e.CurrentConfig()

	if cfg.Bus.Enabled {
		bus, err := NewEventBus(&cfg.Bus, e.Logger)
		if err != nil {
			e.cancel()
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus

		if cfg.Channels.NATS.Enabled {
			e.Alerts.AddChannel(alerting.NewNATSChannel(bus, cfg.Channels.NATS.SubjectPrefix))
		}
		if cfg.Oracle.Enabled {
			e.Pipeline.SetScorer(oracle.NewNATSScorer(bus.Conn(), cfg.Oracle.Subject, cfg.Oracle.Timeout))
			e.Logger.Info().Str("subject", cfg.Oracle.Subject).Msg("ML oracle enabled")
		}
		if err := bus.SubscribePackets(cfg.Detection.PacketSubject, func(pkt arp.PacketRecord) {
			_, _ = e.Pipeline.Process(e.ctx, pkt)
		}); err != nil {
			e.cancel()
			_ = bus.Close()
			return fmt.Errorf("subscribing to packets: %w", err)
		}
	}

	if sc := cfg.Detection.Syslog; sc.Enabled {
		srv := ingest.NewSyslogServer(ingest.Options{
			Host:     sc.Host,
			Port:     sc.Port,
			Protocol: sc.Protocol,
			Logger:   e.Logger,
		}, e.ingestPacket)
		if err := srv.Start(e.ctx); err != nil {
			e.cancel()
			if e.Bus != nil {
				_ = e.Bus.Close()
			}
			return fmt.Errorf("starting syslog ingest: %w", err)
		}
		e.Syslog = srv
	}

	e.Rate.Start(e.ctx)
	if e.Handler != nil {
		e.Handler.Start(e.ctx)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RateMonitor.CleanupLoop(e.ctx)
	}()

	if path := cfg.Detection.ReplayFile; path != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			stats, err := e.Pipeline.ReplayFile(e.ctx, path)
			if err != nil {
				e.Logger.Error().Err(err).Str("path", path).Msg("replay failed")
				return
			}
			e.Logger.Info().
				Str("path", path).
				Int("processed", stats.Processed).
				Int("detections", stats.Detections).
				Msg("replay finished")
		}()
	}

	e.StartedAt = time.Now()
	e.Logger.Info().
		Strs("interfaces", cfg.Interfaces).
		Bool("bus", e.Bus != nil).
		Bool("syslog", e.Syslog != nil).
		Bool("response", e.Handler != nil).
		Msg("ARPGuard engine started")
	return nil
}

// ingestPacket routes a packet from a local source through the bus when it
// is up, so every subscriber sees it, and straight into the pipeline
// otherwise.
func (e *Engine) ingestPacket(pkt arp.PacketRecord) {
	if e.Bus != nil {
		if err := e.Bus.PublishPacket(pkt); err != nil {
			e.Logger.Error().Err(err).Str("src_ip", pkt.SrcIP).Msg("failed to publish packet")
		}
		return
	}
	if _, err := e.Pipeline.Process(e.ctx, pkt); err != nil && !IsValidationError(err) {
		e.Logger.Error().Err(err).Msg("packet processing failed")
	}
}

// Run starts the engine and blocks until a shutdown signal is received or
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Wait()
}

// Wait blocks a started engine until a shutdown signal is received or its
// context is cancelled, then shuts it down.
func (e *Engine) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops every loop, waits for in-flight deliveries and persists
// rules and thresholds.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down ARPGuard engine")
	if e.cancel != nil {
		e.cancel()
	}

	if e.Syslog != nil {
		e.Syslog.Stop()
	}
	// No packet may reach CreateAlert once Alerts.Wait starts.
	if e.Bus != nil {
		e.Bus.StopSubscriptions()
	}
	if e.Handler != nil {
		e.Handler.Stop()
	}
	e.Rate.Stop()
	e.wg.Wait()
	e.Alerts.Wait()

	if path := e.CurrentConfig().Rules.Path; path != "" {
		if err := e.Rules.SaveRules(path); err != nil {
			e.Logger.Error().Err(err).Str("path", path).Msg("failed to save rules")
		}
	}

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Msg("ARPGuard engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Uptime returns the time since Start, or zero before Start.
func (e *Engine) Uptime() time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	return time.Since(e.StartedAt)
}

// CurrentConfig returns the active configuration, which a reload may replace.
func (e *Engine) CurrentConfig() *Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.Config
}
