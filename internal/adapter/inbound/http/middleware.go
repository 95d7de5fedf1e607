package http

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/openctrol/openctrol-agent/internal/ctxkey"
	"github.com/openctrol/openctrol-agent/internal/domain/auth"
	"github.com/openctrol/openctrol-agent/internal/domain/ratelimit"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// clientIPContextKey is the type for the client IP context key.
type clientIPContextKey struct{}

// apiKeyNameContextKey is the type for the authenticated key name context key.
type apiKeyNameContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// ClientIPKey is the context key for the client IP set by RealIPMiddleware.
var ClientIPKey = clientIPContextKey{}

// APIKeyNameKey is the context key for the name of the API key that
// authenticated the request.
var APIKeyNameKey = apiKeyNameContextKey{}

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
// The request ID is stored in context using RequestIDKey.
// An enriched logger with request_id field is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ClientIPFromContext returns the client IP stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}

// DNSRebindingProtection validates the Origin header against an allowlist.
// Requests without an Origin header are allowed (same-origin or non-browser).
// An Origin whose host matches the request Host is always allowed; any other
// Origin must be listed in allowedOrigins.
func DNSRebindingProtection(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := originSet(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !originAllowed(r, allowed) {
				http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originSet(origins []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimSuffix(origin, "/")] = struct{}{}
	}
	return allowed
}

// originAllowed is shared by DNSRebindingProtection and the WebSocket upgrader.
func originAllowed(r *http.Request, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := allowed[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// APIKeyMiddleware requires a valid X-Openctrol-Key header when the verifier
// has keys configured. With no keys configured every request passes.
// The matched key name is stored using APIKeyNameKey and added to the
// request logger.
func APIKeyMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil || !verifier.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, err := verifier.Verify(r.Header.Get(auth.HeaderName))
			if err != nil {
				LoggerFromContext(r.Context()).Debug("api key rejected", "client_ip", ClientIPFromContext(r.Context()))
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}

			logger := LoggerFromContext(r.Context()).With("api_key", name)
			ctx := context.WithValue(r.Context(), APIKeyNameKey, name)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ThrottleMiddleware limits requests per client IP using limiter.
// Rejected requests get 429 with a Retry-After header in whole seconds.
// onThrottle, if non-nil, is called for every rejected request.
// A limiter error lets the request through.
func ThrottleMiddleware(limiter ratelimit.RequestLimiter, onThrottle func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())
			res, err := limiter.Allow(r.Context(), ratelimit.FormatKey(ratelimit.KeyTypeIP, ip))
			if err != nil {
				LoggerFromContext(r.Context()).Error("rate limiter failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				if onThrottle != nil {
					onThrottle()
				}
				retry := int(math.Ceil(res.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				LoggerFromContext(r.Context()).Warn("request throttled", "client_ip", ip, "retry_after", retry)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RealIPMiddleware extracts the client's IP address for rate limiting and
// logging. With trustProxy it checks X-Forwarded-For and X-Real-IP first;
// otherwise only r.RemoteAddr is used, since either header is trivially
// forged by a client talking to the agent directly.
// The IP is stored in context using ClientIPKey.
func RealIPMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealIP(r, trustProxy)
			ctx := context.WithValue(r.Context(), ClientIPKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractRealIP extracts the client's IP address from the request.
func extractRealIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// Format: X-Forwarded-For: client, proxy1, proxy2
		// Trust only the first IP (client IP from first proxy)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip, _, _ := strings.Cut(xff, ",")
			if ip = strings.TrimSpace(ip); ip != "" {
				return ip
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	// RemoteAddr is in "host:port" format, extract host
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
