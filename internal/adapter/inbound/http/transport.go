package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openctrol/openctrol-agent/internal/domain/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/auth"
	"github.com/openctrol/openctrol-agent/internal/domain/clock"
	"github.com/openctrol/openctrol-agent/internal/domain/ratelimit"
	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/port/inbound"
	"github.com/openctrol/openctrol-agent/internal/port/outbound"
)

const shutdownTimeout = 10 * time.Second

// HTTPTransport is the inbound adapter that exposes the session broker and
// token authority to Home Assistant and desktop clients over HTTP and
// WebSocket.
type HTTPTransport struct {
	sessions inbound.SessionService

	server         *http.Server
	addr           string
	allowedOrigins []string
	trustProxy     bool
	publicURL      *url.URL
	defaultTTL     time.Duration
	maxTTL         time.Duration

	verifier      *auth.Verifier
	limiter       ratelimit.RequestLimiter
	onThrottle    func()
	sink          outbound.InputSink
	audit         audit.Store
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *Metrics
	registry      *prometheus.Registry
	healthChecker *HealthChecker
	upgrader      websocket.Upgrader

	handlerOnce sync.Once
	handler     http.Handler

	// connCtx parents every desktop socket; closeConns ends them at shutdown.
	connCtx    context.Context
	closeConns context.CancelFunc
	conns      sync.WaitGroup
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "0.0.0.0:44325".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithAllowedOrigins sets the extra Origin values accepted from browsers.
// Requests without an Origin header and same-host origins are always allowed.
// Example: []string{"http://homeassistant.local:8123"}
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithTrustProxyHeaders makes the client IP come from X-Forwarded-For or
// X-Real-IP when present.
func WithTrustProxyHeaders(trust bool) Option {
	return func(t *HTTPTransport) {
		t.trustProxy = trust
	}
}

// WithPublicURL sets the externally reachable base URL used to build
// websocket_url. Invalid or empty values fall back to the request host.
func WithPublicURL(raw string) Option {
	return func(t *HTTPTransport) {
		if raw == "" {
			return
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			t.publicURL = u
		}
	}
}

// WithSessionTTL sets the ttl used when a request omits ttl_seconds and the
// largest ttl a request may ask for.
func WithSessionTTL(defaultTTL, maxTTL time.Duration) Option {
	return func(t *HTTPTransport) {
		if defaultTTL > 0 {
			t.defaultTTL = defaultTTL
		}
		if maxTTL > 0 {
			t.maxTTL = maxTTL
		}
	}
}

// WithAPIKeyVerifier requires API keys on REST routes when the verifier has
// keys configured.
func WithAPIKeyVerifier(v *auth.Verifier) Option {
	return func(t *HTTPTransport) {
		t.verifier = v
	}
}

// WithRequestLimiter throttles session creation per client IP.
// onThrottle, if non-nil, is called for each rejected request.
func WithRequestLimiter(l ratelimit.RequestLimiter, onThrottle func()) Option {
	return func(t *HTTPTransport) {
		t.limiter = l
		t.onThrottle = onThrottle
	}
}

// WithInputSink sets where decoded desktop input goes. Default: discarded.
func WithInputSink(sink outbound.InputSink) Option {
	return func(t *HTTPTransport) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// WithClock sets the time source used for session state and socket expiry.
func WithClock(c clock.Clock) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithAuditStore records session, token and socket events to store and
// serves its recent records on /api/v1/audit.
func WithAuditStore(store audit.Store) Option {
	return func(t *HTTPTransport) {
		t.audit = store
	}
}

// WithHealthChecker sets the health checker for the health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithMetrics uses metrics registered on reg and serves reg on /metrics.
// Without it the transport creates its own registry.
func WithMetrics(metrics *Metrics, reg *prometheus.Registry) Option {
	return func(t *HTTPTransport) {
		t.metrics = metrics
		t.registry = reg
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewHTTPTransport creates an HTTP transport over the given session service.
func NewHTTPTransport(sessions inbound.SessionService, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		sessions:       sessions,
		addr:           "0.0.0.0:44325",
		allowedOrigins: []string{},
		defaultTTL:     session.DefaultTTL,
		maxTTL:         session.DefaultMaxTTL,
		sink:           discardSink{},
		clock:          clock.System{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.metrics == nil || t.registry == nil {
		t.registry = NewRegistry()
		t.metrics = NewMetrics(t.registry)
	}
	RegisterActiveSessions(t.registry, func() int {
		return t.sessions.ActiveCount(context.Background())
	})
	if t.defaultTTL > t.maxTTL {
		t.defaultTTL = t.maxTTL
	}
	t.upgrader = newUpgrader(t.allowedOrigins)
	t.connCtx, t.closeConns = context.WithCancel(context.Background())

	return t
}

// Handler returns the full route table wrapped in the middleware chain.
// It is built once.
func (t *HTTPTransport) Handler() http.Handler {
	t.handlerOnce.Do(func() {
		t.handler = t.buildHandler()
	})
	return t.handler
}

func (t *HTTPTransport) buildHandler() http.Handler {
	// REST routes: DNSRebinding -> APIKey -> Handler
	api := func(h http.Handler) http.Handler {
		h = APIKeyMiddleware(t.verifier)(h)
		return DNSRebindingProtection(t.allowedOrigins)(h)
	}
	throttle := ThrottleMiddleware(t.limiter, t.throttled)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("GET "+healthPath, t.healthChecker.Handler())
	} else {
		mux.Handle("GET "+healthPath, NewHealthChecker("", "", t.sessions, nil, nil, nil).Handler())
	}
	mux.Handle("POST "+sessionsPath, api(throttle(http.HandlerFunc(t.handleCreateSession))))
	mux.Handle("GET "+sessionsPath, api(http.HandlerFunc(t.handleListSessions)))
	mux.Handle("GET "+sessionsPath+"/{id}", api(http.HandlerFunc(t.handleGetSession)))
	mux.Handle("POST "+sessionsPath+"/{id}/end", api(http.HandlerFunc(t.handleEndSession)))
	mux.Handle("POST "+revokePath, api(http.HandlerFunc(t.handleRevokeToken)))
	mux.Handle("GET "+auditPath, api(http.HandlerFunc(t.handleAudit)))
	// The desktop socket authenticates with its session token instead of an
	// API key and checks Origin in the upgrader.
	mux.Handle("GET "+desktopWSPath, http.HandlerFunc(t.handleDesktopSocket))
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - Record duration and status (MUST be outermost to capture full duration)
	// 2. RequestID - Extract/generate request ID and enrich logger
	// 3. RealIP - Resolve client IP for throttling and logs
	var handler http.Handler = mux
	handler = RealIPMiddleware(t.trustProxy)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

func (t *HTTPTransport) throttled() {
	t.metrics.ThrottledTotal.Inc()
	if t.onThrottle != nil {
		t.onThrottle()
	}
}

// Metrics returns the transport's metrics.
func (t *HTTPTransport) Metrics() *Metrics {
	return t.metrics
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked sockets are not tracked by Shutdown
	t.closeConns()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	done := make(chan struct{})
	go func() {
		t.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("desktop sockets still open after shutdown timeout")
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		t.closeConns()
		return nil
	}
	return t.shutdown()
}
