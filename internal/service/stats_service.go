// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"

	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
// It observes both the token authority and the session broker.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	tokensIssued    atomic.Int64
	tokensValidated atomic.Int64
	tokensRevoked   atomic.Int64
	sweeps          atomic.Int64

	sessionsStarted  atomic.Int64
	sessionsEnded    atomic.Int64
	sessionsRejected atomic.Int64
	throttled        atomic.Int64

	// Validation failures by internal reason (mutex-protected map).
	mu       sync.Mutex
	failures map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		failures: make(map[string]int64),
	}
}

// TokenIssued implements token.Observer.
func (s *StatsService) TokenIssued() { s.tokensIssued.Add(1) }

// TokenValidated implements token.Observer.
func (s *StatsService) TokenValidated() { s.tokensValidated.Add(1) }

// TokenRevoked implements token.Observer.
func (s *StatsService) TokenRevoked() { s.tokensRevoked.Add(1) }

// Swept implements token.Observer.
func (s *StatsService) Swept(token.SweepResult) { s.sweeps.Add(1) }

// ValidationFailed implements token.Observer.
func (s *StatsService) ValidationFailed(reason token.FailureReason) {
	s.mu.Lock()
	s.failures[string(reason)]++
	s.mu.Unlock()
}

// SessionStarted implements session.Observer.
func (s *StatsService) SessionStarted() { s.sessionsStarted.Add(1) }

// SessionEnded implements session.Observer.
func (s *StatsService) SessionEnded() { s.sessionsEnded.Add(1) }

// SessionRejected implements session.Observer.
func (s *StatsService) SessionRejected() { s.sessionsRejected.Add(1) }

// RecordThrottled increments the throttled request counter.
func (s *StatsService) RecordThrottled() { s.throttled.Add(1) }

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	TokensIssued       int64            `json:"tokens_issued"`
	TokensValidated    int64            `json:"tokens_validated"`
	TokensRevoked      int64            `json:"tokens_revoked"`
	ValidationFailures map[string]int64 `json:"validation_failures"`
	Sweeps             int64            `json:"sweeps"`
	SessionsStarted    int64            `json:"sessions_started"`
	SessionsEnded      int64            `json:"sessions_ended"`
	SessionsRejected   int64            `json:"sessions_rejected"`
	Throttled          int64            `json:"throttled"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	failures := make(map[string]int64, len(s.failures))
	for k, v := range s.failures {
		failures[k] = v
	}
	s.mu.Unlock()

	return Stats{
		TokensIssued:       s.tokensIssued.Load(),
		TokensValidated:    s.tokensValidated.Load(),
		TokensRevoked:      s.tokensRevoked.Load(),
		ValidationFailures: failures,
		Sweeps:             s.sweeps.Load(),
		SessionsStarted:    s.sessionsStarted.Load(),
		SessionsEnded:      s.sessionsEnded.Load(),
		SessionsRejected:   s.sessionsRejected.Load(),
		Throttled:          s.throttled.Load(),
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	for _, c := range []*atomic.Int64{
		&s.tokensIssued, &s.tokensValidated, &s.tokensRevoked, &s.sweeps,
		&s.sessionsStarted, &s.sessionsEnded, &s.sessionsRejected, &s.throttled,
	} {
		c.Store(0)
	}

	s.mu.Lock()
	s.failures = make(map[string]int64)
	s.mu.Unlock()
}

// Compile-time interface verification.
var (
	_ token.Observer   = (*StatsService)(nil)
	_ session.Observer = (*StatsService)(nil)
)
