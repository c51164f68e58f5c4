package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType enumerates the closed set of inbound event variants.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
	EventMessage    EventType = "message"
)

var (
	// ErrInvalidEvent is returned when an event fails boundary
	// validation and never reaches the dispatcher's state machine.
	ErrInvalidEvent = errors.New("dispatch: invalid event")
)

// Event is one inbound event from the transport collaborator. Which
// fields are required depends on the variant; Validate enforces that
// before any state is touched.
type Event struct {
	Type         EventType       `json:"type"`
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id,omitempty"`
	DisplayName  string          `json:"display_name,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Recipients   []string        `json:"recipients,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the per-variant required field set.
func (e Event) Validate() error {
	if e.ConnectionID == "" {
		return fmt.Errorf("%w: missing connection id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventConnect, EventDisconnect:
		return nil
	case EventMessage:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: message event without payload", ErrInvalidEvent)
		}
		for _, r := range e.Recipients {
			if r == "" {
				return fmt.Errorf("%w: empty recipient id", ErrInvalidEvent)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
}
