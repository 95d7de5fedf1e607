// Package input defines the remote input messages a desktop client sends over
// its WebSocket. Injecting them into the desktop is an outbound port.
package input

import (
	"errors"
	"fmt"
)

// EventType is the "type" field of an inbound message.
type EventType string

const (
	PointerMove   EventType = "pointer_move"
	PointerButton EventType = "pointer_button"
	PointerWheel  EventType = "pointer_wheel"
	Key           EventType = "key"
)

// Button actions and key actions share the same vocabulary.
const (
	ActionDown = "down"
	ActionUp   = "up"
)

// ErrInvalidEvent is returned by Validate for malformed messages.
var ErrInvalidEvent = errors.New("invalid input event")

var validButtons = map[string]bool{"left": true, "right": true, "middle": true}

// Event is one decoded input message.
type Event struct {
	Type EventType `json:"type"`

	// pointer_move: relative motion in pixels.
	DX int `json:"dx,omitempty"`
	DY int `json:"dy,omitempty"`

	// pointer_button and key.
	Button string `json:"button,omitempty"`
	Action string `json:"action,omitempty"`

	// pointer_wheel.
	DeltaX int `json:"delta_x,omitempty"`
	DeltaY int `json:"delta_y,omitempty"`

	// key: Windows virtual-key code plus held modifiers.
	KeyCode int  `json:"key_code,omitempty"`
	Ctrl    bool `json:"ctrl,omitempty"`
	Alt     bool `json:"alt,omitempty"`
	Shift   bool `json:"shift,omitempty"`
	Win     bool `json:"win,omitempty"`
}

// Validate checks the fields required by the event's type.
func (e Event) Validate() error {
	switch e.Type {
	case PointerMove, PointerWheel:
		return nil
	case PointerButton:
		if !validButtons[e.Button] {
			return fmt.Errorf("%w: unknown button %q", ErrInvalidEvent, e.Button)
		}
		return validateAction(e.Action)
	case Key:
		if e.KeyCode <= 0 || e.KeyCode > 0xFE {
			return fmt.Errorf("%w: key_code %d out of range", ErrInvalidEvent, e.KeyCode)
		}
		return validateAction(e.Action)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

func validateAction(action string) error {
	if action != ActionDown && action != ActionUp {
		return fmt.Errorf("%w: action must be %q or %q, got %q", ErrInvalidEvent, ActionDown, ActionUp, action)
	}
	return nil
}
