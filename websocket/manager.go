package websocket

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/Manu-Manera/game-coordinator/delivery"
	"github.com/Manu-Manera/game-coordinator/metrics"
)

// ClientManager holds the live websocket sessions of this coordinator
// instance and is the local delivery channel: Push writes bytes to a
// socket hosted here. Registry and directory bookkeeping happens in the
// dispatcher, never in the manager.
type ClientManager struct {
	clients sync.Map // connectionID -> *ClientSession
	count   atomic.Int64
	wg      sync.WaitGroup
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{}
}

// AddClient stores a live connection in the local map.
func (m *ClientManager) AddClient(session *ClientSession) {
	m.clients.Store(session.ID, session)
	m.count.Add(1)
	metrics.ActiveConnections.Inc()
	log.Printf("Client %s connected", session.ID)
}

// RemoveClient removes a client from the local map.
func (m *ClientManager) RemoveClient(connectionID string) {
	if _, loaded := m.clients.LoadAndDelete(connectionID); !loaded {
		return
	}
	m.count.Add(-1)
	metrics.ActiveConnections.Dec()
	log.Printf("Client %s removed", connectionID)
}

// GetClient retrieves a live client connection by ID.
func (m *ClientManager) GetClient(connectionID string) (*ClientSession, bool) {
	if client, ok := m.clients.Load(connectionID); ok {
		return client.(*ClientSession), true
	}
	return nil, false
}

// Count returns the number of live connections on this instance.
func (m *ClientManager) Count() int {
	return int(m.count.Load())
}

// Push implements delivery.Channel for sockets hosted by this instance.
// A write failure after the bounded retries means the transport is dead;
// the socket is closed and the failure reported as recipient-gone so the
// dispatcher can run lazy cleanup.
func (m *ClientManager) Push(ctx context.Context, connectionID string, data []byte) error {
	session, ok := m.GetClient(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s not hosted here", delivery.ErrRecipientGone, connectionID)
	}
	if err := session.SafeWrite(data); err != nil {
		session.Close(websocket.CloseInternalServerErr, "write failure")
		m.RemoveClient(connectionID)
		return fmt.Errorf("%w: write to %s: %v", delivery.ErrRecipientGone, connectionID, err)
	}
	return nil
}

// CloseClient closes a specific local socket, if present.
func (m *ClientManager) CloseClient(connectionID string, reason string) {
	if session, ok := m.GetClient(connectionID); ok {
		session.Close(websocket.CloseNormalClosure, reason)
		m.RemoveClient(connectionID)
	}
}

// IncreaseWaitGroup increases the wait group counter.
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup decreases the wait group counter.
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for all in-flight operations to complete.
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends close messages to all clients and removes them.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		connectionID := key.(string)
		session := value.(*ClientSession)

		log.Printf("Closing connection for client %s: %s", connectionID, reason)
		session.Close(websocket.CloseGoingAway, reason)
		m.RemoveClient(connectionID)

		return true
	})
}
