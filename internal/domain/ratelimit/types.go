// Package ratelimit provides fixed-window counting used to throttle token
// probing and API request bursts.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Defaults for the token validation failure window.
const (
	DefaultMaxFailures = 5
	DefaultWindow      = time.Minute
)

// Config defines a fixed-window limit.
type Config struct {
	// Limit is the number of events tolerated per key inside one window.
	// Once a window holds Limit events the key is limited until it elapses.
	Limit int

	// Window is the length of the fixed window.
	Window time.Duration
}

// withDefaults fills zero fields with the token failure defaults.
func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultMaxFailures
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Window is the per-key state of a fixed window.
type Window struct {
	// Count is the number of events recorded in this window.
	Count int
	// Start is when the window opened.
	Start time.Time
}

// Elapsed reports whether the window of the given length has ended at now.
func (w Window) Elapsed(now time.Time, length time.Duration) bool {
	return !now.Before(w.Start.Add(length))
}

// Result is the outcome of a request limiter check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAfter is the time until the window resets.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeToken is for keys derived from presented capability tokens.
	KeyTypeToken KeyType = "token"

	// KeyTypeIP is for IP-based request limiting.
	KeyTypeIP KeyType = "ip"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypeIP, "192.168.1.1") -> "ratelimit:ip:192.168.1.1"
//   - FormatKey(KeyTypeToken, "9f86d0...") -> "ratelimit:token:9f86d0..."
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// TokenKey derives the rate limit key for a presented token.
// The whole token is hashed so tokens sharing a prefix never share a key.
func TokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return FormatKey(KeyTypeToken, hex.EncodeToString(sum[:]))
}
