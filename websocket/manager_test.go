package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu-Manera/game-coordinator/config"
	"github.com/Manu-Manera/game-coordinator/delivery"
)

var testWSConfig = config.WebSocketConfig{
	MaxConnections:   100,
	MessageSizeLimit: 65536,
	PingInterval:     30,
	PongTimeout:      10,
	ActivityTimeout:  90,
	WriteTimeout:     2,
	KeepAlive:        true,
}

// wsPair upgrades one real websocket connection and returns both ends.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		upgraded <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-upgraded:
	case <-time.After(time.Second):
		t.Fatal("upgrade did not complete")
	}
	return server, client
}

func TestClientManager_AddRemoveCount(t *testing.T) {
	m := NewClientManager()
	serverConn, _ := wsPair(t)

	session := NewClientSession("c1", serverConn, &testWSConfig, 0)
	m.AddClient(session)
	assert.Equal(t, 1, m.Count())

	got, ok := m.GetClient("c1")
	require.True(t, ok)
	assert.Same(t, session, got)

	m.RemoveClient("c1")
	assert.Zero(t, m.Count())
	// Removing twice must not drive the count negative.
	m.RemoveClient("c1")
	assert.Zero(t, m.Count())
}

func TestClientManager_PushDeliversToSocket(t *testing.T) {
	m := NewClientManager()
	serverConn, clientConn := wsPair(t)
	m.AddClient(NewClientSession("c1", serverConn, &testWSConfig, 0))

	require.NoError(t, m.Push(context.Background(), "c1", []byte(`{"type":"welcome"}`)))

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"welcome"}`, string(data))
}

func TestClientManager_PushUnknownConnection(t *testing.T) {
	m := NewClientManager()
	err := m.Push(context.Background(), "ghost", []byte("x"))
	assert.ErrorIs(t, err, delivery.ErrRecipientGone)
}

func TestClientManager_PushDeadSocketReportsGone(t *testing.T) {
	m := NewClientManager()
	serverConn, clientConn := wsPair(t)
	session := NewClientSession("c1", serverConn, &testWSConfig, 0)
	m.AddClient(session)

	// Tear the transport down underneath the manager.
	require.NoError(t, clientConn.Close())
	require.NoError(t, serverConn.Close())

	err := m.Push(context.Background(), "c1", []byte("x"))
	assert.ErrorIs(t, err, delivery.ErrRecipientGone)

	// The dead session was evicted; later pushes fail fast.
	_, ok := m.GetClient("c1")
	assert.False(t, ok)
	assert.Zero(t, m.Count())
}

func TestClientManager_CloseAllConnections(t *testing.T) {
	m := NewClientManager()
	for _, id := range []string{"c1", "c2"} {
		serverConn, _ := wsPair(t)
		m.AddClient(NewClientSession(id, serverConn, &testWSConfig, 0))
	}
	require.Equal(t, 2, m.Count())

	m.CloseAllConnections("shutting down")
	assert.Zero(t, m.Count())
}
