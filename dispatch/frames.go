package dispatch

import (
	"encoding/json"
	"log"
	"time"
)

// Outbound frame types pushed to clients. The payload inside a message
// frame stays opaque; everything else is coordinator-owned envelope.
const (
	FrameWelcome      = "welcome"
	FrameUserJoined   = "user_joined"
	FrameUserLeft     = "user_left"
	FrameMessage      = "message"
	FrameSessionState = "session_state"
	FrameHeartbeatAck = "heartbeat_ack"
	FramePlayers      = "players"
)

// Peer identifies the connection a frame originates from.
type Peer struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name,omitempty"`
}

// Frame is the envelope written to client sockets.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	From      *Peer           `json:"from,omitempty"`
	Peers     []Peer          `json:"peers,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func encodeFrame(f Frame) []byte {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(f)
	if err != nil {
		// Frames are built from already-decoded JSON; this cannot
		// happen for well-formed input.
		log.Printf("Failed to marshal %s frame: %v", f.Type, err)
		return nil
	}
	return data
}
