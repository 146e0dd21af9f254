package core

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadConfig reloads the configuration from disk and applies changes that
// can be hot-reloaded without restarting the engine. Returns a list of what
// changed.
//
// Hot-reloadable settings:
//   - logging level
//   - alerts.min_priority
//   - channel enable flags for registered channels
//   - server API keys and CORS origins
//
// Everything else (bus, interfaces, thresholds, response executor, server
// address) requires a restart.
func ReloadConfig(engine *Engine, configPath string) ([]string, error) {
	if configPath == "" {
		return nil, errors.New("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return engine.ApplyConfig(newCfg), nil
}

// ApplyConfig applies the hot-reloadable parts of newCfg and returns a
// description of each change.
func (e *Engine) ApplyConfig(newCfg *Config) []string {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	next := *e.Config
	var changes []string

	if newCfg.LogLevel() != next.LogLevel() {
		next.Logging.Level = newCfg.Logging.Level
		zerolog.SetGlobalLevel(ParseLevel(next.LogLevel()))
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}

	if newCfg.MinPriority() != next.MinPriority() {
		next.Alerts.MinPriority = newCfg.Alerts.MinPriority
		e.minPriority.Store(int32(newCfg.MinPriority()))
		changes = append(changes, "alerts.min_priority → "+newCfg.MinPriority().String())
	}

	toggles := []struct {
		name    string
		enabled bool
		target  *bool
	}{
		{"console", newCfg.Channels.Console.Enabled, &next.Channels.Console.Enabled},
		{"email", newCfg.Channels.Email.Enabled, &next.Channels.Email.Enabled},
		{"slack", newCfg.Channels.Slack.Enabled, &next.Channels.Slack.Enabled},
		{"webhook", newCfg.Channels.Webhook.Enabled, &next.Channels.Webhook.Enabled},
		{"nats", newCfg.Channels.NATS.Enabled, &next.Channels.NATS.Enabled},
	}
	for _, t := range toggles {
		ch, ok := e.Alerts.Channel(t.name)
		if !ok || ch.Enabled() == t.enabled {
			continue
		}
		setEnabled(ch, t.enabled)
		*t.target = t.enabled
		changes = append(changes, fmt.Sprintf("channels.%s.enabled → %v", t.name, t.enabled))
	}

	if !slices.Equal(newCfg.Server.APIKeys, next.Server.APIKeys) {
		next.Server.APIKeys = slices.Clone(newCfg.Server.APIKeys)
		changes = append(changes, fmt.Sprintf("server.api_keys → %d keys", len(newCfg.Server.APIKeys)))
	}
	if !slices.Equal(newCfg.Server.CORSOrigins, next.Server.CORSOrigins) {
		next.Server.CORSOrigins = slices.Clone(newCfg.Server.CORSOrigins)
		changes = append(changes, "server.cors_origins reloaded")
	}

	e.Config = &next
	return changes
}

// WatchConfig re-applies configPath whenever it changes on disk. A reload
// that fails to parse keeps the current configuration.
func WatchConfig(engine *Engine, configPath string) error {
	if configPath == "" {
		return errors.New("no config path set, cannot watch")
	}
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	logger := engine.Logger.With().Str("component", "config_watcher").Logger()
	v.OnConfigChange(func(ev fsnotify.Event) {
		changes, err := ReloadConfig(engine, configPath)
		if err != nil {
			logger.Warn().Err(err).Str("file", ev.Name).Msg("config reload failed, keeping current config")
			return
		}
		if len(changes) == 0 {
			logger.Debug().Str("file", ev.Name).Msg("config changed, nothing to apply")
			return
		}
		logger.Info().Strs("changes", changes).Str("file", ev.Name).Msg("config reloaded")
	})
	v.WatchConfig()
	logger.Info().Str("file", configPath).Msg("watching config for changes")
	return nil
}

