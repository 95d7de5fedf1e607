// Package inbound defines the inbound port interfaces for the agent core.
// Inbound adapters (HTTP, WebSocket) call these interfaces.
package inbound

import (
	"context"
	"time"

	"github.com/openctrol/openctrol-agent/internal/domain/session"
)

// SessionService is the inbound port for desktop session admission.
// session.Broker implements it.
type SessionService interface {
	// StartSession admits a session or fails with session.ErrCapacityExceeded.
	StartSession(ctx context.Context, ownerTag string, ttl time.Duration) (session.DesktopSession, error)

	// EndSession ends a session and reports whether this call removed it.
	// Unknown ids are a no-op.
	EndSession(ctx context.Context, id string) (session.DesktopSession, bool)

	// RevokeSessionToken revokes a token and ends the session bound to it.
	RevokeSessionToken(ctx context.Context, token string) (session.DesktopSession, bool)

	// TryGetSession looks up a session without mutating it.
	TryGetSession(ctx context.Context, id string) (session.DesktopSession, bool)

	// GetActiveSessions returns the unexpired sessions.
	GetActiveSessions(ctx context.Context) ([]session.DesktopSession, error)

	// ActiveCount returns the number of unexpired sessions.
	ActiveCount(ctx context.Context) int

	// ValidateSessionToken checks a token against the session it claims.
	ValidateSessionToken(ctx context.Context, id, token string) (session.DesktopSession, bool)

	// AttachConnection registers a live connection's cancel func.
	AttachConnection(ctx context.Context, id string, cancel context.CancelFunc) (detach func(), err error)
}

var _ SessionService = (*session.Broker)(nil)
