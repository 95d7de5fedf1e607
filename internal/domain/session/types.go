// Package session implements the session broker: admission control against a
// concurrency cap, desktop session lifecycle and coordinated teardown.
package session

import "time"

// Defaults for Config.
const (
	DefaultTTL           = 15 * time.Minute
	DefaultMaxTTL        = 24 * time.Hour
	DefaultSweepInterval = 1 * time.Minute
)

// State is the derived lifecycle state of a DesktopSession.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateEnded   State = "ended"
	StateRevoked State = "revoked"
)

// DesktopSession is one admitted remote desktop session.
type DesktopSession struct {
	// ID is a random UUID v4.
	ID string
	// OwnerTag is the free-text caller identifier (e.g. a Home Assistant id).
	OwnerTag string
	// CreatedAt is when the session was admitted (UTC).
	CreatedAt time.Time
	// ExpiresAt is the bound token's expiry (UTC).
	ExpiresAt time.Time
	// Token is the capability token value bound to this session.
	// The token itself is owned by the token authority.
	Token string
	// Active is false once the session has been ended.
	Active bool
	// Revoked is set by the broker on reads when the bound token was revoked
	// while the row was still stored. It is never persisted.
	Revoked bool
}

// ExpiredAt reports whether the session's ttl has passed at now.
func (s *DesktopSession) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// StateAt returns the session state at now.
func (s *DesktopSession) StateAt(now time.Time) State {
	switch {
	case !s.Active:
		return StateEnded
	case s.ExpiredAt(now):
		return StateExpired
	case s.Revoked:
		return StateRevoked
	default:
		return StateActive
	}
}

// Config holds broker configuration.
type Config struct {
	// MaxTTL caps the ttl a caller may request. Default: 24h.
	MaxTTL time.Duration
	// SweepInterval is how often expired, unattached rows are pruned. Default: 1m.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTTL <= 0 {
		c.MaxTTL = DefaultMaxTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
