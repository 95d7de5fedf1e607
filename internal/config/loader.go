package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName = "openctrol-agent"
	envPrefix  = "OPENCTROL"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for openctrol-agent.yaml/.yml in standard
// locations. An explicit YAML extension is required so the binary itself is
// never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-only mode.
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: OPENCTROL_SESSIONS_MAX_SESSIONS
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for the config file.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".openctrol"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\Openctrol (typically C:\ProgramData\Openctrol)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "Openctrol"))
		}
	} else {
		paths = append(paths, "/etc/openctrol")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first openctrol-agent.yaml or .yml found
// in paths, or "" if there is none.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every scalar key so that AutomaticEnv can see it
// during Unmarshal. auth.api_keys is a list and is file-only.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.public_url",
		"server.trust_proxy_headers",
		"agent.id",
		"sessions.max_sessions",
		"sessions.default_ttl",
		"sessions.max_ttl",
		"sessions.sweep_interval",
		"tokens.sweep_interval",
		"tokens.max_failures",
		"tokens.failure_window",
		"tokens.revocation.mode",
		"tokens.revocation.max_entries",
		"tokens.revocation.retention",
		"rate_limit.session_create_per_minute",
		"rate_limit.cleanup_interval",
		"audit.dir",
		"audit.retention_days",
		"audit.max_file_size_mb",
		"audit.cache_size",
		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the config file, applies env overrides and defaults,
// and validates the result.
func LoadConfig() (*AgentConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults, but does NOT
// apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*AgentConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	return unmarshalCurrent()
}

// unmarshalCurrent decodes viper's current state without re-reading the file.
func unmarshalCurrent() (*AgentConfig, error) {
	var cfg AgentConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
