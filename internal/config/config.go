// Package config provides configuration types for the openctrol agent.
//
// Configuration is file based (openctrol-agent.yaml) with OPENCTROL_ prefixed
// environment overrides. Nothing here is persisted by the agent itself.
package config

import (
	"os"
	"time"
)

// Default values applied by SetDefaults.
const (
	DefaultHTTPAddr               = "0.0.0.0:44325"
	DefaultMaxSessions            = 1
	DefaultSessionTTL             = "15m"
	DefaultSessionMaxTTL          = "24h"
	DefaultSessionSweepInterval   = "1m"
	DefaultTokenSweepInterval     = "60s"
	DefaultMaxFailures            = 5
	DefaultFailureWindow          = "1m"
	DefaultRevocationMode         = "bounded"
	DefaultRevocationMaxEntries   = 1000
	DefaultRevocationRetention    = "24h"
	DefaultSessionCreatePerMinute = 30
	DefaultRateLimitCleanup       = "5m"
	DefaultAuditRetentionDays     = 7
	DefaultAuditMaxFileSizeMB     = 100
	DefaultAuditCacheSize         = 1000
)

// devAPIKeyHash is the SHA-256 of "dev-api-key".
const devAPIKeyHash = "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274"

// AgentConfig is the top-level configuration for the agent.
type AgentConfig struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Agent identifies this host in health responses.
	Agent AgentIdentityConfig `yaml:"agent" mapstructure:"agent"`

	// Sessions configures admission control.
	Sessions SessionsConfig `yaml:"sessions" mapstructure:"sessions"`

	// Tokens configures the token authority.
	Tokens TokensConfig `yaml:"tokens" mapstructure:"tokens"`

	// RateLimit configures per-IP throttling of session creation.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Audit configures the session audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Auth configures API keys for the REST API.
	// Optional: when empty, the API is open to anyone who can reach it.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// DevMode enables development features (debug logging, a default key).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Default: "0.0.0.0:44325".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"required,hostname_port"`
	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// PublicURL is the externally reachable base URL used to build websocket
	// URLs (e.g. "http://desktop.lan:44325"). Default: derived from the request.
	PublicURL string `yaml:"public_url" mapstructure:"public_url" validate:"omitempty,url"`
	// AllowedOrigins are accepted WebSocket Origin values. Empty accepts
	// clients that send no Origin header and same-host origins only.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// TrustProxyHeaders makes the per-IP throttle use X-Forwarded-For and
	// X-Real-IP. Enable only behind a reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// AgentIdentityConfig identifies the agent.
type AgentIdentityConfig struct {
	// ID is reported as agent_id. Default: the host name.
	ID string `yaml:"id" mapstructure:"id"`
}

// SessionsConfig configures the session broker.
type SessionsConfig struct {
	// MaxSessions is the concurrency cap. Read live on every admission. Default: 1.
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions" validate:"min=1"`
	// DefaultTTL applies when a request omits ttl_seconds. Default: "15m".
	DefaultTTL string `yaml:"default_ttl" mapstructure:"default_ttl" validate:"duration"`
	// MaxTTL caps requested ttls. Default: "24h".
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"duration"`
	// SweepInterval is how often expired rows are pruned. Default: "1m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"duration"`
}

// TokensConfig configures the token authority.
type TokensConfig struct {
	// SweepInterval is how often expired tokens are evicted. Default: "60s".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"duration"`
	// MaxFailures per token key per window before rate limiting. Default: 5.
	MaxFailures int `yaml:"max_failures" mapstructure:"max_failures" validate:"min=1"`
	// FailureWindow is the fixed rate-limit window. Default: "1m".
	FailureWindow string `yaml:"failure_window" mapstructure:"failure_window" validate:"duration"`
	// Revocation configures revocation record eviction.
	Revocation RevocationConfig `yaml:"revocation" mapstructure:"revocation"`
}

// RevocationConfig configures how the revocation record is bounded.
type RevocationConfig struct {
	// Mode is "bounded" (clear when over MaxEntries) or "timed"
	// (evict after Retention and token expiry). Default: "bounded".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"revocation_mode"`
	// MaxEntries is the bounded-mode limit. Default: 1000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"min=1"`
	// Retention is the timed-mode retention. Default: "24h".
	Retention string `yaml:"retention" mapstructure:"retention" validate:"duration"`
}

// RateLimitConfig configures request throttling.
type RateLimitConfig struct {
	// SessionCreatePerMinute is the per-IP limit on session creation. Default: 30.
	SessionCreatePerMinute int `yaml:"session_create_per_minute" mapstructure:"session_create_per_minute" validate:"min=1"`
	// CleanupInterval is how often stale windows are dropped. Default: "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"duration"`
}

// AuditConfig configures the session audit trail.
type AuditConfig struct {
	// Dir holds daily JSON Lines files. Empty keeps only the in-memory
	// recent records served on /api/v1/audit.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is how long files are kept. Default: 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"min=1"`
	// MaxFileSizeMB triggers size rotation. Default: 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"min=1"`
	// CacheSize is the number of recent records kept in memory. Default: 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"min=1"`
}

// AuthConfig configures API keys.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig is one accepted API key.
type APIKeyConfig struct {
	// Name identifies the key in logs.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// KeyHash is "sha256:<hex>" or an Argon2id PHC string
	// (see "openctrol-agent hash-key").
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
}

// SetDefaults applies default values to unset fields.
func (c *AgentConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Agent.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Agent.ID = host
		}
	}

	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = DefaultMaxSessions
	}
	setDefault(&c.Sessions.DefaultTTL, DefaultSessionTTL)
	setDefault(&c.Sessions.MaxTTL, DefaultSessionMaxTTL)
	setDefault(&c.Sessions.SweepInterval, DefaultSessionSweepInterval)

	setDefault(&c.Tokens.SweepInterval, DefaultTokenSweepInterval)
	if c.Tokens.MaxFailures == 0 {
		c.Tokens.MaxFailures = DefaultMaxFailures
	}
	setDefault(&c.Tokens.FailureWindow, DefaultFailureWindow)
	setDefault(&c.Tokens.Revocation.Mode, DefaultRevocationMode)
	if c.Tokens.Revocation.MaxEntries == 0 {
		c.Tokens.Revocation.MaxEntries = DefaultRevocationMaxEntries
	}
	setDefault(&c.Tokens.Revocation.Retention, DefaultRevocationRetention)

	if c.RateLimit.SessionCreatePerMinute == 0 {
		c.RateLimit.SessionCreatePerMinute = DefaultSessionCreatePerMinute
	}
	setDefault(&c.RateLimit.CleanupInterval, DefaultRateLimitCleanup)

	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = DefaultAuditRetentionDays
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = DefaultAuditMaxFileSizeMB
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = DefaultAuditCacheSize
	}
}

// SetDevDefaults applies development defaults. Applied before validation.
func (c *AgentConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"

	// Provide a well-known key so the API is never accidentally open in dev.
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{{Name: "dev", KeyHash: devAPIKeyHash}}
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Duration parses a validated duration field. Fields are validated before
// use, so an unparsable value can only come from a config that skipped
// Validate; it yields zero and the component default applies.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
