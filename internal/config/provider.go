package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Provider serves the settings that may change while the agent runs.
// Only sessions.max_sessions is applied live; everything else needs a restart.
type Provider struct {
	maxSessions atomic.Int64
	logger      *slog.Logger

	// load re-decodes the configuration after a file change.
	load func() (*AgentConfig, error)
}

// NewProvider creates a Provider seeded from cfg.
func NewProvider(cfg *AgentConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger, load: unmarshalCurrent}
	p.maxSessions.Store(int64(cfg.Sessions.MaxSessions))
	return p
}

// MaxSessions returns the current session cap.
func (p *Provider) MaxSessions() int {
	return int(p.maxSessions.Load())
}

// Apply takes the live settings from cfg. Invalid configs are rejected and
// the previous values stay in effect.
func (p *Provider) Apply(cfg *AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := p.maxSessions.Swap(int64(cfg.Sessions.MaxSessions))
	if old != int64(cfg.Sessions.MaxSessions) {
		p.logger.Info("max sessions changed", "old", old, "new", cfg.Sessions.MaxSessions)
	}
	return nil
}

// Watch starts watching the config file in use. No-op in env-only mode.
func (p *Provider) Watch() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(p.handleChange)
	viper.WatchConfig()
	p.logger.Debug("watching config file", "path", viper.ConfigFileUsed())
}

func (p *Provider) handleChange(e fsnotify.Event) {
	cfg, err := p.load()
	if err != nil {
		p.logger.Warn("config reload failed", "file", e.Name, "error", err)
		return
	}
	if err := p.Apply(cfg); err != nil {
		p.logger.Warn("reloaded config rejected", "file", e.Name, "error", err)
		return
	}
	p.logger.Debug("config reloaded", "file", e.Name)
}
