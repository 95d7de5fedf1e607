package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestAgentConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg AgentConfig
	cfg.SetDefaults()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server.http_addr", cfg.Server.HTTPAddr, "0.0.0.0:44325"},
		{"server.log_level", cfg.Server.LogLevel, "info"},
		{"sessions.max_sessions", cfg.Sessions.MaxSessions, 1},
		{"sessions.default_ttl", cfg.Sessions.DefaultTTL, "15m"},
		{"sessions.max_ttl", cfg.Sessions.MaxTTL, "24h"},
		{"tokens.sweep_interval", cfg.Tokens.SweepInterval, "60s"},
		{"tokens.max_failures", cfg.Tokens.MaxFailures, 5},
		{"tokens.failure_window", cfg.Tokens.FailureWindow, "1m"},
		{"tokens.revocation.mode", cfg.Tokens.Revocation.Mode, "bounded"},
		{"tokens.revocation.max_entries", cfg.Tokens.Revocation.MaxEntries, 1000},
		{"tokens.revocation.retention", cfg.Tokens.Revocation.Retention, "24h"},
		{"rate_limit.session_create_per_minute", cfg.RateLimit.SessionCreatePerMinute, 30},
		{"rate_limit.cleanup_interval", cfg.RateLimit.CleanupInterval, "5m"},
		{"audit.dir", cfg.Audit.Dir, ""},
		{"audit.retention_days", cfg.Audit.RetentionDays, 7},
		{"audit.max_file_size_mb", cfg.Audit.MaxFileSizeMB, 100},
		{"audit.cache_size", cfg.Audit.CacheSize, 1000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Agent.ID == "" {
		t.Error("agent.id should default to the host name")
	}
}

func TestAgentConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := AgentConfig{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:9000"},
		Agent:    AgentIdentityConfig{ID: "desk-1"},
		Sessions: SessionsConfig{MaxSessions: 3, DefaultTTL: "5m"},
		Tokens:   TokensConfig{Revocation: RevocationConfig{Mode: "timed"}},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Agent.ID != "desk-1" {
		t.Errorf("Agent.ID = %q", cfg.Agent.ID)
	}
	if cfg.Sessions.MaxSessions != 3 || cfg.Sessions.DefaultTTL != "5m" {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Tokens.Revocation.Mode != "timed" {
		t.Errorf("Revocation.Mode = %q", cfg.Tokens.Revocation.Mode)
	}
}

func TestAgentConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := AgentConfig{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].KeyHash != devAPIKeyHash {
		t.Errorf("APIKeys = %+v, want the dev key", cfg.Auth.APIKeys)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("dev config invalid: %v", err)
	}

	prod := AgentConfig{}
	prod.SetDevDefaults()
	if len(prod.Auth.APIKeys) != 0 || prod.Server.LogLevel != "" {
		t.Errorf("SetDevDefaults changed a non-dev config: %+v", prod)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := Duration("90s"); got != 90*time.Second {
		t.Errorf("Duration(90s) = %v", got)
	}
	if got := Duration("soon"); got != 0 {
		t.Errorf("Duration(soon) = %v, want 0", got)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{name: "empty dir", want: ""},
		{name: "yaml", files: []string{"openctrol-agent.yaml"}, want: "openctrol-agent.yaml"},
		{name: "yml", files: []string{"openctrol-agent.yml"}, want: "openctrol-agent.yml"},
		{name: "ignores binary", files: []string{"openctrol-agent"}, want: ""},
		{name: "prefers yaml", files: []string{"openctrol-agent.yml", "openctrol-agent.yaml"}, want: "openctrol-agent.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			for _, f := range tt.files {
				if err := os.WriteFile(filepath.Join(dir, f), []byte("server: {}\n"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			want := ""
			if tt.want != "" {
				want = filepath.Join(dir, tt.want)
			}
			if got := findConfigFileInPaths([]string{dir}); got != want {
				t.Errorf("findConfigFileInPaths() = %q, want %q", got, want)
			}
		})
	}
}

// The loader tests share viper's global instance and must not run in parallel.

func TestLoadConfig_FileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "openctrol-agent.yaml")
	content := `
server:
  http_addr: "127.0.0.1:44325"
agent:
  id: living-room
sessions:
  max_sessions: 2
  default_ttl: 10m
tokens:
  revocation:
    mode: timed
auth:
  api_keys:
    - name: home-assistant
      key_hash: "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENCTROL_SESSIONS_MAX_SESSIONS", "4")

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Sessions.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d, want 4 (env override)", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.DefaultTTL != "10m" || cfg.Agent.ID != "living-room" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Tokens.Revocation.Mode != "timed" || cfg.Tokens.Revocation.MaxEntries != 1000 {
		t.Errorf("Revocation = %+v", cfg.Tokens.Revocation)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].Name != "home-assistant" {
		t.Errorf("APIKeys = %+v", cfg.Auth.APIKeys)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", ConfigFileUsed(), path)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "openctrol-agent.yaml")
	_ = os.WriteFile(path, []byte("sessions:\n  max_sessions: 0\n  default_ttl: forever\n"), 0o644)

	InitViper(path)
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() error = nil for invalid default_ttl")
	}
}

func TestLoadConfigRaw_MissingFileUsesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.SetConfigName("openctrol-agent-missing")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(t.TempDir())

	cfg, err := LoadConfigRaw()
	if err != nil {
		t.Fatalf("LoadConfigRaw() error = %v", err)
	}
	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
}
