// Package outbound defines the outbound port interfaces for reaching the
// desktop from the agent core.
package outbound

import (
	"context"

	"github.com/openctrol/openctrol-agent/internal/domain/input"
)

// InputSink is the outbound port for injecting remote input into the desktop.
// Adapters implement this for the host platform; the transport only decodes
// and validates messages before handing them over.
type InputSink interface {
	// Inject delivers one validated event for sessionID.
	// An error is logged by the caller and does not end the session.
	Inject(ctx context.Context, sessionID string, ev input.Event) error
}
