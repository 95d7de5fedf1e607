package ratelimit

import (
	"context"
	"time"
)

// RequestLimiter is the port for throttling inbound API requests.
//
// The interface is storage-agnostic; the in-memory adapter lives in
// adapter/outbound/memory.
type RequestLimiter interface {
	// Allow records a request for key and reports whether it may proceed.
	Allow(ctx context.Context, key string) (Result, error)
}

// WindowCounter counts events per key in fixed windows.
//
// WindowCounter does no locking of its own. The token authority keeps it
// under the same mutex as its token tables so that a lookup and the failure
// it records are one atomic step.
type WindowCounter struct {
	cfg     Config
	windows map[string]*Window
}

// NewWindowCounter creates a counter. Zero config fields fall back to
// DefaultMaxFailures and DefaultWindow.
func NewWindowCounter(cfg Config) *WindowCounter {
	return &WindowCounter{
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*Window),
	}
}

// Config returns the effective configuration.
func (c *WindowCounter) Config() Config {
	return c.cfg
}

// Exceeded reports whether key has reached the limit in its current window.
// An elapsed window is reset as a side effect.
func (c *WindowCounter) Exceeded(key string, now time.Time) bool {
	w, ok := c.windows[key]
	if !ok {
		return false
	}
	if w.Elapsed(now, c.cfg.Window) {
		delete(c.windows, key)
		return false
	}
	return w.Count >= c.cfg.Limit
}

// Hit records one event for key and returns the updated window.
// A new window opens when the key has none or its window has elapsed.
func (c *WindowCounter) Hit(key string, now time.Time) Window {
	w, ok := c.windows[key]
	if !ok || w.Elapsed(now, c.cfg.Window) {
		w = &Window{Start: now}
		c.windows[key] = w
	}
	w.Count++
	return *w
}

// Count returns the events recorded for key in its current window.
func (c *WindowCounter) Count(key string, now time.Time) int {
	w, ok := c.windows[key]
	if !ok || w.Elapsed(now, c.cfg.Window) {
		return 0
	}
	return w.Count
}

// RetryAfter returns the time until key's current window resets.
func (c *WindowCounter) RetryAfter(key string, now time.Time) time.Duration {
	w, ok := c.windows[key]
	if !ok {
		return 0
	}
	d := w.Start.Add(c.cfg.Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Prune removes every elapsed window and returns how many were removed.
func (c *WindowCounter) Prune(now time.Time) int {
	removed := 0
	for key, w := range c.windows {
		if w.Elapsed(now, c.cfg.Window) {
			delete(c.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *WindowCounter) Len() int {
	return len(c.windows)
}
