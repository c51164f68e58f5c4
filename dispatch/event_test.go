package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventValidate(t *testing.T) {
	payload := json.RawMessage(`{"move":"e4"}`)

	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{
			name:  "connect",
			event: Event{Type: EventConnect, ConnectionID: "c1"},
		},
		{
			name:  "connect with identity and session hint",
			event: Event{Type: EventConnect, ConnectionID: "c1", UserID: "u1", SessionID: "s1"},
		},
		{
			name:  "disconnect",
			event: Event{Type: EventDisconnect, ConnectionID: "c1"},
		},
		{
			name:  "message with payload",
			event: Event{Type: EventMessage, ConnectionID: "c1", Payload: payload},
		},
		{
			name:  "message with recipients",
			event: Event{Type: EventMessage, ConnectionID: "c1", Recipients: []string{"c2"}, Payload: payload},
		},
		{
			name:    "missing connection id",
			event:   Event{Type: EventConnect},
			wantErr: true,
		},
		{
			name:    "message without payload",
			event:   Event{Type: EventMessage, ConnectionID: "c1"},
			wantErr: true,
		},
		{
			name:    "message with empty recipient",
			event:   Event{Type: EventMessage, ConnectionID: "c1", Recipients: []string{"c2", ""}, Payload: payload},
			wantErr: true,
		},
		{
			name:    "unknown type",
			event:   Event{Type: "teleport", ConnectionID: "c1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
