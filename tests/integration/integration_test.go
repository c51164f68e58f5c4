package integration

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coordinatorHost     = "localhost:8080"
	redisAddr           = "localhost:6379"
	sessionStateChannel = "coordinator-session-state"
	testTimeout         = 15 * time.Second
)

// frame mirrors the envelope the coordinator writes to client sockets.
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	From      *peer           `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

type peer struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name,omitempty"`
}

func dial(t *testing.T, userID, sessionID string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: coordinatorHost, Path: "/ws"}
	q := u.Query()
	q.Set("userId", userID)
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err, "Failed to connect to coordinator")
	return conn
}

// readFrame reads frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) frame {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s frame", frameType)
		if f.Type == frameType {
			return f
		}
		log.Printf("Skipping %s frame while waiting for %s", f.Type, frameType)
	}
}

// TestE2ESessionFlow exercises the full path against a running coordinator
// and Redis: connect, welcome, join, broadcast, duplicate-connection
// replacement and backend-published session state.
func TestE2ESessionFlow(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, redisClient.Ping(ctx).Err(), "Failed to connect to Redis")
	defer redisClient.Close()

	sessionID := "it-" + time.Now().Format("150405.000")

	// Alice connects with a session hint, Bob joins explicitly.
	alice := dial(t, "it-alice", sessionID)
	defer alice.Close()
	welcome := readFrame(t, alice, "welcome")
	require.NotNil(t, welcome.From)
	assert.Equal(t, "it-alice", welcome.From.UserID)
	aliceConnID := welcome.From.ConnectionID
	assert.NotEmpty(t, aliceConnID)

	bob := dial(t, "it-bob", "")
	defer bob.Close()
	readFrame(t, bob, "welcome")
	require.NoError(t, bob.WriteJSON(map[string]string{
		"action":     "join",
		"session_id": sessionID,
	}))

	// Alice sees Bob arrive.
	joined := readFrame(t, alice, "user_joined")
	assert.Equal(t, "it-bob", joined.From.UserID)
	assert.Equal(t, sessionID, joined.SessionID)

	// Alice broadcasts; Bob receives it, Alice does not get her own copy.
	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"action":  "message",
		"payload": map[string]string{"move": "e4"},
	}))
	msg := readFrame(t, bob, "message")
	assert.Equal(t, aliceConnID, msg.From.ConnectionID)
	assert.JSONEq(t, `{"move":"e4"}`, string(msg.Payload))

	// Backend-published state reaches every member.
	state := []byte(`{"round":1,"turn":"it-bob"}`)
	envelope, err := json.Marshal(map[string]interface{}{
		"session_id": sessionID,
		"data":       json.RawMessage(state),
	})
	require.NoError(t, err)
	require.NoError(t, redisClient.Publish(ctx, sessionStateChannel, envelope).Err())

	stateFrame := readFrame(t, alice, "session_state")
	assert.JSONEq(t, string(state), string(stateFrame.State))
	stateFrame = readFrame(t, bob, "session_state")
	assert.JSONEq(t, string(state), string(stateFrame.State))

	// A second connection for Alice replaces the first: Bob is told she
	// left and the old socket stops working.
	alice2 := dial(t, "it-alice", "")
	defer alice2.Close()
	readFrame(t, alice2, "welcome")

	left := readFrame(t, bob, "user_left")
	assert.Equal(t, aliceConnID, left.From.ConnectionID)
}
