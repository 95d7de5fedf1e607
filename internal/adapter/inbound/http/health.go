package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/openctrol/openctrol-agent/internal/adapter/outbound/memory"
	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/service"
)

const healthPath = "/api/v1/health"

// HealthResponse is the JSON response from the health endpoint.
type HealthResponse struct {
	AgentID        string            `json:"agent_id"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	ActiveSessions int               `json:"active_sessions"`
	MaxSessions    int               `json:"max_sessions,omitempty"`
	Status         string            `json:"status"` // "healthy" or "unhealthy"
	Checks         map[string]string `json:"checks"`
	Stats          *service.Stats    `json:"stats,omitempty"`
}

// ActiveCounter reports the number of unexpired sessions.
type ActiveCounter interface {
	ActiveCount(ctx context.Context) int
}

// HealthChecker verifies component health.
type HealthChecker struct {
	agentID     string
	version     string
	startedAt   time.Time
	sessions    ActiveCounter
	capacity    session.CapacityProvider
	rateLimiter *memory.RateLimiter
	stats       *service.StatsService
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(
	agentID, version string,
	sessions ActiveCounter,
	capacity session.CapacityProvider,
	rateLimiter *memory.RateLimiter,
	stats *service.StatsService,
) *HealthChecker {
	return &HealthChecker{
		agentID:     agentID,
		version:     version,
		startedAt:   time.Now(),
		sessions:    sessions,
		capacity:    capacity,
		rateLimiter: rateLimiter,
		stats:       stats,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	active := 0
	if h.sessions != nil {
		active = h.sessions.ActiveCount(ctx)
		checks["sessions"] = "ok"
	} else {
		checks["sessions"] = "not configured"
	}

	maxSessions := 0
	if h.capacity != nil {
		maxSessions = h.capacity.MaxSessions()
		if maxSessions < 1 {
			// Admission would reject everything
			checks["capacity"] = fmt.Sprintf("invalid: max_sessions=%d", maxSessions)
			healthy = false
		} else {
			checks["capacity"] = fmt.Sprintf("ok: %d/%d", active, maxSessions)
		}
	} else {
		checks["capacity"] = "not configured"
	}

	if h.rateLimiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	resp := HealthResponse{
		AgentID:        h.agentID,
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		ActiveSessions: active,
		MaxSessions:    maxSessions,
		Status:         status,
		Checks:         checks,
	}
	if h.stats != nil {
		stats := h.stats.GetStats()
		resp.Stats = &stats
	}
	return resp
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})
}
