// Demo backend collaborator: publishes authoritative session state on the
// broker's session-state channel, which the coordinator applies and fans
// out to the session's members. Stands in for the real game logic, which
// lives outside the coordination layer.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message mirrors the coordinator's broker envelope.
type Message struct {
	ConnectionID string          `json:"connection_id,omitempty"`
	ServerID     string          `json:"server_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// MarshalBinary implements the encoding.BinaryMarshaler interface for Redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	sessionID := getEnv("SESSION_ID", "demo")
	log.Printf("Connecting to Redis at %s", redisAddr)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx := context.Background()

	log.Printf("Demo backend started. Publishing state for session %q...", sessionID)

	tick := 0
	for range time.Tick(2 * time.Second) {
		tick++
		state, err := json.Marshal(map[string]interface{}{
			"tick":       tick,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			log.Printf("Error encoding state: %v", err)
			continue
		}

		msg := Message{
			SessionID: sessionID,
			Data:      state,
		}
		if err := rdb.Publish(ctx, "coordinator-session-state", msg).Err(); err != nil {
			log.Printf("Error publishing state for session %s: %v", sessionID, err)
		}
	}
}
