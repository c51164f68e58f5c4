package broker

import (
	"context"
	"encoding/json"
)

// Channel names shared between coordinator instances and backend
// collaborators.
const (
	// DeliveriesChannel carries frames addressed to a connection hosted
	// by a specific coordinator instance.
	DeliveriesChannel = "coordinator-deliveries"
	// SessionStateChannel carries authoritative session state published
	// by backend collaborators, fanned out to session members.
	SessionStateChannel = "coordinator-session-state"
)

// Message is the envelope exchanged over the broker. For deliveries,
// ConnectionID and ServerID route the frame; for session state updates,
// SessionID names the session whose state Data replaces.
type Message struct {
	ConnectionID string          `json:"connection_id,omitempty"`
	ServerID     string          `json:"server_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis publish.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// partitionKey groups messages so that frames for one connection (or one
// session) keep their relative order on partitioned brokers.
func (m Message) partitionKey() string {
	if m.ConnectionID != "" {
		return m.ConnectionID
	}
	return m.SessionID
}

// MessageBroker moves messages between coordinator instances and backend
// collaborators. Implementations: Kafka (sarama) and Redis pub/sub.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Type() string
	Close() error
}
