package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openctrol/openctrol-agent/internal/adapter/inbound/http"
	auditstore "github.com/openctrol/openctrol-agent/internal/adapter/outbound/audit"
	"github.com/openctrol/openctrol-agent/internal/adapter/outbound/input"
	"github.com/openctrol/openctrol-agent/internal/adapter/outbound/memory"
	"github.com/openctrol/openctrol-agent/internal/config"
	"github.com/openctrol/openctrol-agent/internal/domain/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/auth"
	"github.com/openctrol/openctrol-agent/internal/domain/clock"
	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
	"github.com/openctrol/openctrol-agent/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long: `Start the openctrol agent.

The agent serves the session REST API and the desktop WebSocket on
server.http_addr (default 0.0.0.0:44325). Sessions are admitted up to
sessions.max_sessions, which is re-read when the config file changes.

Examples:
  # Start with config file settings
  openctrol-agent start

  # Start in development mode (debug logging, key "dev-api-key")
  openctrol-agent start --dev

  # Start with a specific config file
  openctrol-agent --config /path/to/openctrol-agent.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, default API key)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := resolvedPIDFile()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("openctrol agent stopped")
	return nil
}

// run wires the agent and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	stats := service.NewStatsService()
	reg := http.NewRegistry()
	metrics := http.NewMetrics(reg)

	tokenCfg := tokenConfig(cfg)
	if tokenCfg.RevocationMode == token.RevocationBounded {
		logger.Warn("bounded revocation: the whole revocation record is cleared when it exceeds max_entries, which can let a revoked, unexpired token validate again",
			"max_entries", tokenCfg.MaxRevocations)
	}
	authority := token.NewAuthority(tokenCfg,
		token.WithLogger(logger),
		token.WithObserver(token.Observers{stats, metrics}),
	)

	provider := config.NewProvider(cfg, logger)
	provider.Watch()

	broker := session.NewBroker(memory.NewSessionStore(), authority, provider, sessionConfig(cfg),
		session.WithLogger(logger),
		session.WithObserver(session.Observers{stats, metrics}),
	)

	limiter := memory.NewRateLimiter(cfg.RateLimit.SessionCreatePerMinute,
		config.Duration(cfg.RateLimit.CleanupInterval), logger)

	verifier, err := auth.NewVerifier(apiKeys(cfg))
	if err != nil {
		return fmt.Errorf("failed to load API keys: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("no API keys configured, the session API is open to anyone who can reach it")
	}

	auditLog, err := openAuditStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = auditLog.Flush(context.Background())
		_ = auditLog.Close()
	}()

	healthChecker := http.NewHealthChecker(cfg.Agent.ID, Version, broker, provider, limiter, stats)

	transport := http.NewHTTPTransport(broker,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders),
		http.WithPublicURL(cfg.Server.PublicURL),
		http.WithSessionTTL(config.Duration(cfg.Sessions.DefaultTTL), config.Duration(cfg.Sessions.MaxTTL)),
		http.WithAPIKeyVerifier(verifier),
		http.WithRequestLimiter(limiter, stats.RecordThrottled),
		http.WithInputSink(input.NewLogSink(logger)),
		http.WithAuditStore(auditLog),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithMetrics(metrics, reg),
	)

	authority.StartSweep(ctx)
	broker.StartSweep(ctx)
	limiter.StartCleanup(ctx)
	defer func() {
		limiter.Stop()
		broker.Stop()
		authority.Stop()
	}()

	printBanner(Version, cfg, verifier.Enabled())

	err = transport.Start(ctx)
	endAllSessions(broker, auditLog, logger)
	if err != nil {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

// openAuditStore returns the file store when audit.dir is set, otherwise an
// in-memory store of recent records.
func openAuditStore(cfg *config.AgentConfig, logger *slog.Logger) (audit.Store, error) {
	if cfg.Audit.Dir == "" {
		return auditstore.NewMemoryStore(cfg.Audit.CacheSize), nil
	}
	store, err := auditstore.NewFileStore(auditstore.FileConfig{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		CacheSize:     cfg.Audit.CacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	logger.Info("audit trail enabled", "dir", cfg.Audit.Dir, "retention_days", cfg.Audit.RetentionDays)
	return store, nil
}

// endAllSessions ends every live session so their tokens are revoked
// before the process exits.
func endAllSessions(broker *session.Broker, auditLog audit.Store, logger *slog.Logger) {
	ctx := context.Background()
	sessions, err := broker.GetActiveSessions(ctx)
	if err != nil {
		logger.Error("failed to list sessions at shutdown", "error", err)
		return
	}
	now := clock.System{}.Now()
	ended := 0
	for _, s := range sessions {
		if _, ok := broker.EndSession(ctx, s.ID); !ok {
			continue
		}
		ended++
		_ = auditLog.Append(ctx, audit.Record{
			Timestamp: now,
			Event:     audit.EventAgentShutdown,
			SessionID: s.ID,
			OwnerTag:  s.OwnerTag,
		})
	}
	if ended > 0 {
		logger.Info("ended sessions at shutdown", "count", ended)
	}
}

func tokenConfig(cfg *config.AgentConfig) token.Config {
	return token.Config{
		SweepInterval:       config.Duration(cfg.Tokens.SweepInterval),
		MaxFailures:         cfg.Tokens.MaxFailures,
		FailureWindow:       config.Duration(cfg.Tokens.FailureWindow),
		RevocationMode:      token.RevocationMode(cfg.Tokens.Revocation.Mode),
		MaxRevocations:      cfg.Tokens.Revocation.MaxEntries,
		RevocationRetention: config.Duration(cfg.Tokens.Revocation.Retention),
	}
}

func sessionConfig(cfg *config.AgentConfig) session.Config {
	return session.Config{
		MaxTTL:        config.Duration(cfg.Sessions.MaxTTL),
		SweepInterval: config.Duration(cfg.Sessions.SweepInterval),
	}
}

func apiKeys(cfg *config.AgentConfig) []auth.APIKey {
	keys := make([]auth.APIKey, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKey{Name: k.Name, Hash: k.KeyHash})
	}
	return keys
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// listenURL turns a listen address into a URL a person can open.
func listenURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "http://localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	default:
		return "http://" + addr
	}
}

func printBanner(version string, cfg *config.AgentConfig, authEnabled bool) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	base := listenURL(cfg.Server.HTTPAddr)

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset
	}
	authStr := green + "api key" + reset
	if !authEnabled {
		authStr = yellow + "open" + reset + dim + " (no api keys)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s openctrol agent %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Agent:", cfg.Agent.ID)
	fmt.Fprintf(os.Stderr, "  %-14s %s/api/v1\n", "API:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Auth:", authStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d\n", "Max sessions:", cfg.Sessions.MaxSessions)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
