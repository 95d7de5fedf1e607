package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	auditstore "github.com/openctrol/openctrol-agent/internal/adapter/outbound/audit"
	"github.com/openctrol/openctrol-agent/internal/adapter/outbound/memory"
	"github.com/openctrol/openctrol-agent/internal/config"
	"github.com/openctrol/openctrol-agent/internal/domain/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/auth"
	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

func TestCommands_Registered(t *testing.T) {
	want := []string{"start", "stop", "version", "hash-key", "config"}
	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestStartCmd_FlagDefaults(t *testing.T) {
	dev, err := startCmd.Flags().GetBool("dev")
	if err != nil {
		t.Fatalf("failed to get dev flag: %v", err)
	}
	if dev {
		t.Error("dev default = true, want false")
	}

	pid, err := rootCmd.PersistentFlags().GetString("pid-file")
	if err != nil {
		t.Fatalf("failed to get pid-file flag: %v", err)
	}
	if pid != "" {
		t.Errorf("pid-file default = %q, want empty", pid)
	}
}

func TestHashKeyCmd(t *testing.T) {
	t.Run("argon2id default", func(t *testing.T) {
		var out bytes.Buffer
		hashKeyCmd.SetOut(&out)
		defer hashKeyCmd.SetOut(nil)
		hashKeySHA256 = false

		if err := hashKeyCmd.RunE(hashKeyCmd, []string{"secret"}); err != nil {
			t.Fatal(err)
		}
		got := strings.TrimSpace(out.String())
		if !strings.HasPrefix(got, "$argon2id$") {
			t.Fatalf("output = %q, want argon2id PHC string", got)
		}
		ok, err := auth.VerifyKey("secret", got)
		if err != nil || !ok {
			t.Errorf("VerifyKey(secret, output) = %v, %v", ok, err)
		}
	})

	t.Run("sha256", func(t *testing.T) {
		var out bytes.Buffer
		hashKeyCmd.SetOut(&out)
		defer hashKeyCmd.SetOut(nil)
		hashKeySHA256 = true
		defer func() { hashKeySHA256 = false }()

		if err := hashKeyCmd.RunE(hashKeyCmd, []string{"secret"}); err != nil {
			t.Fatal(err)
		}
		if got := strings.TrimSpace(out.String()); got != auth.HashKey("secret") {
			t.Errorf("output = %q, want %q", got, auth.HashKey("secret"))
		}
	})
}

func TestHashKeyCmd_RequiresOneArg(t *testing.T) {
	if err := hashKeyCmd.Args(hashKeyCmd, nil); err == nil {
		t.Error("hash-key with no args should fail")
	}
	if err := hashKeyCmd.Args(hashKeyCmd, []string{"a", "b"}); err == nil {
		t.Error("hash-key with two args should fail")
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)

	if !strings.Contains(out.String(), "openctrol-agent "+Version) {
		t.Errorf("version output = %q", out.String())
	}
}

func defaultConfig() *config.AgentConfig {
	cfg := &config.AgentConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestTokenConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tokens.Revocation.Mode = "timed"
	cfg.Tokens.Revocation.Retention = "2h"

	got := tokenConfig(cfg)
	want := token.Config{
		SweepInterval:       60 * time.Second,
		MaxFailures:         5,
		FailureWindow:       time.Minute,
		RevocationMode:      token.RevocationTimed,
		MaxRevocations:      1000,
		RevocationRetention: 2 * time.Hour,
	}
	if got != want {
		t.Errorf("tokenConfig() = %+v, want %+v", got, want)
	}
}

func TestSessionConfig(t *testing.T) {
	got := sessionConfig(defaultConfig())
	if got.MaxTTL != 24*time.Hour || got.SweepInterval != time.Minute {
		t.Errorf("sessionConfig() = %+v", got)
	}
}

func TestAPIKeys(t *testing.T) {
	cfg := defaultConfig()
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{Name: "ha", KeyHash: auth.HashKey("one")},
		{Name: "ops", KeyHash: auth.HashKey("two")},
	}

	keys := apiKeys(cfg)
	if len(keys) != 2 || keys[0].Name != "ha" || keys[1].Hash != auth.HashKey("two") {
		t.Errorf("apiKeys() = %+v", keys)
	}
	if len(apiKeys(defaultConfig())) != 0 {
		t.Error("apiKeys() on empty config returned keys")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"WARN", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
		{"verbose", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestListenURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":44325", "http://localhost:44325"},
		{"0.0.0.0:44325", "http://localhost:44325"},
		{"192.168.1.10:8080", "http://192.168.1.10:8080"},
	}
	for _, tt := range tests {
		if got := listenURL(tt.addr); got != tt.want {
			t.Errorf("listenURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.pid")

	if pid := readPIDFile(path); pid != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", pid)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	if pid := readPIDFile(path); pid != os.Getpid() {
		t.Errorf("readPIDFile() = %d, want %d", pid, os.Getpid())
	}
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false")
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{"text": "not-a-pid", "negative": "-4", "empty": ""} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if pid := readPIDFile(path); pid != 0 {
			t.Errorf("readPIDFile(%s) = %d, want 0", name, pid)
		}
	}
}

func TestResolvedPIDFile(t *testing.T) {
	defer func() { pidFileFlag = "" }()

	pidFileFlag = ""
	if got := resolvedPIDFile(); got != pidFilePath() {
		t.Errorf("resolvedPIDFile() = %q, want default %q", got, pidFilePath())
	}
	pidFileFlag = "/tmp/custom.pid"
	if got := resolvedPIDFile(); got != "/tmp/custom.pid" {
		t.Errorf("resolvedPIDFile() = %q, want flag value", got)
	}
}

func TestWriteConfigYAML(t *testing.T) {
	cfg := defaultConfig()
	cfg.Auth.APIKeys = []config.APIKeyConfig{{Name: "ha", KeyHash: auth.HashKey("k")}}

	var buf bytes.Buffer
	if err := writeConfigYAML(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	var back config.AgentConfig
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if back.Server.HTTPAddr != config.DefaultHTTPAddr {
		t.Errorf("http_addr = %q, want %q", back.Server.HTTPAddr, config.DefaultHTTPAddr)
	}
	if len(back.Auth.APIKeys) != 1 || back.Auth.APIKeys[0].KeyHash != auth.HashKey("k") {
		t.Errorf("api_keys = %+v", back.Auth.APIKeys)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAuditStore(t *testing.T) {
	cfg := defaultConfig()
	store, err := openAuditStore(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*auditstore.MemoryStore); !ok {
		t.Errorf("store without audit.dir = %T, want *MemoryStore", store)
	}

	cfg.Audit.Dir = filepath.Join(t.TempDir(), "audit")
	store, err = openAuditStore(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, ok := store.(*auditstore.FileStore); !ok {
		t.Errorf("store with audit.dir = %T, want *FileStore", store)
	}
}

func TestEndAllSessions(t *testing.T) {
	logger := discardLogger()
	authority := token.NewAuthority(token.Config{}, token.WithLogger(logger))
	broker := session.NewBroker(memory.NewSessionStore(), authority, session.StaticCapacity(2), session.Config{},
		session.WithLogger(logger))
	ctx := context.Background()

	a, _ := broker.StartSession(ctx, "a", time.Hour)
	b, _ := broker.StartSession(ctx, "b", time.Hour)

	auditLog := auditstore.NewMemoryStore(10)
	endAllSessions(broker, auditLog, logger)

	if n := broker.ActiveCount(ctx); n != 0 {
		t.Errorf("ActiveCount() = %d after shutdown, want 0", n)
	}
	for _, s := range []session.DesktopSession{a, b} {
		if _, ok := authority.ValidateToken(s.Token); ok {
			t.Errorf("token of %s still valid after shutdown", s.OwnerTag)
		}
	}
	records := auditLog.Recent(10)
	if len(records) != 2 || records[0].Event != audit.EventAgentShutdown {
		t.Errorf("audit records = %+v", records)
	}
}
