package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openctrol/openctrol-agent/internal/domain/clock"
	"github.com/openctrol/openctrol-agent/internal/domain/ratelimit"
)

// Defaults for the request rate limiter.
const (
	DefaultRequestsPerMinute = 30
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiter implements ratelimit.RequestLimiter with fixed windows in memory.
// Thread-safe for concurrent access.
// Includes background cleanup to prevent unbounded memory growth.
type RateLimiter struct {
	counter         *ratelimit.WindowCounter
	mu              sync.Mutex
	clock           clock.Clock
	logger          *slog.Logger
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

// NewRateLimiter creates a limiter allowing perMinute requests per key per
// minute. Zero values use DefaultRequestsPerMinute and DefaultCleanupInterval.
func NewRateLimiter(perMinute int, cleanupInterval time.Duration, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithClock(ratelimit.Config{Limit: perMinute, Window: time.Minute}, cleanupInterval, clock.System{}, logger)
}

// NewRateLimiterWithClock creates a limiter with an explicit window config
// and time source.
func NewRateLimiterWithClock(cfg ratelimit.Config, cleanupInterval time.Duration, clk clock.Clock, logger *slog.Logger) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultRequestsPerMinute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		counter:         ratelimit.NewWindowCounter(cfg),
		clock:           clk,
		logger:          logger,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

// Allow records one request for key and reports whether it fits in the
// current window. Rejected requests are not counted.
func (r *RateLimiter) Allow(ctx context.Context, key string) (ratelimit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.counter.Exceeded(key, now) {
		return ratelimit.Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: r.counter.RetryAfter(key, now),
		}, nil
	}

	w := r.counter.Hit(key, now)
	remaining := r.counter.Config().Limit - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{
		Allowed:   true,
		Remaining: remaining,
	}, nil
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes elapsed windows.
// It stops when ctx is cancelled or Stop() is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	cleaned := r.counter.Prune(r.clock.Now())
	remaining := r.counter.Len()
	r.mu.Unlock()

	if cleaned > 0 {
		r.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", remaining)
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter.Len()
}

// Compile-time interface verification.
var _ ratelimit.RequestLimiter = (*RateLimiter)(nil)
