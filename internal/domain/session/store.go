package session

import (
	"context"
	"errors"
	"time"

	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

// Store is the session registry.
// This interface is defined in the domain to avoid circular imports.
// The broker serializes every call under its own lock; implementations still
// guard their own state.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, sess *DesktopSession) error

	// Get retrieves a session by ID, expired or not.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*DesktopSession, error)

	// Delete removes a session and returns the removed row.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Delete(ctx context.Context, id string) (*DesktopSession, error)

	// List returns every stored session.
	List(ctx context.Context) ([]*DesktopSession, error)
}

// TokenAuthority is the subset of the token authority the broker uses.
// The authority never calls back into the broker.
type TokenAuthority interface {
	IssueToken(ownerTag string, ttl time.Duration) (token.Token, error)
	ValidateToken(value string) (string, bool)
	RevokeToken(value string)
	// Live reports whether value is still issued and unrevoked, without
	// recording a validation attempt.
	Live(value string) bool
}

// CapacityProvider supplies the live session cap.
// MaxSessions is read on every admission and never cached.
type CapacityProvider interface {
	MaxSessions() int
}

// StaticCapacity is a fixed CapacityProvider.
type StaticCapacity int

// MaxSessions returns the fixed cap.
func (c StaticCapacity) MaxSessions() int { return int(c) }

var (
	// ErrSessionNotFound is returned when a session doesn't exist or is expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCapacityExceeded is returned when admission would exceed MaxSessions.
	ErrCapacityExceeded = errors.New("maximum sessions limit reached")

	// ErrInvalidTTL is returned when the requested ttl is not in (0, MaxTTL].
	ErrInvalidTTL = errors.New("session ttl out of range")
)

var _ TokenAuthority = (*token.Authority)(nil)
