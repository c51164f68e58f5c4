package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Manu-Manera/game-coordinator/config"
	"github.com/Manu-Manera/game-coordinator/dispatch"
)

// Upgrader for websocket connections
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientAction is one frame sent by a connected client. The action set
// mirrors the coordination operations; game payloads stay opaque.
type ClientAction struct {
	Action     string          `json:"action"` // join, leave, message, heartbeat, players
	SessionID  string          `json:"session_id,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Handler owns the websocket endpoint: it upgrades connections, assigns
// connection IDs, translates client frames into dispatcher calls and
// turns socket teardown into disconnect events.
type Handler struct {
	serverID   string
	manager    *ClientManager
	dispatcher *dispatch.Dispatcher
	cfg        *config.AppConfig
}

// NewHandler creates a new websocket handler.
func NewHandler(serverID string, manager *ClientManager, dispatcher *dispatch.Dispatcher, cfg *config.AppConfig) *Handler {
	return &Handler{
		serverID:   serverID,
		manager:    manager,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.manager.Count() >= h.cfg.WebSocket.MaxConnections {
		http.Error(w, "Connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(int64(h.cfg.WebSocket.MessageSizeLimit))

	// The transport layer assigns the connection identity; user identity
	// comes from the client and may be absent (anonymous).
	connectionID := uuid.New().String()
	query := r.URL.Query()

	session := NewClientSession(connectionID, conn, &h.cfg.WebSocket, h.cfg.Delivery.MaxRetries)
	session.OnTimeout(func(id string) {
		h.disconnect(id)
	})
	session.StartTimers()

	// The socket must be reachable for delivery before the connect event
	// runs, or the welcome frame has nowhere to go.
	h.manager.AddClient(session)
	defer h.manager.RemoveClient(connectionID)
	conn.SetPongHandler(session.GetPongHandler())

	result, err := h.dispatcher.Connect(r.Context(), dispatch.Event{
		Type:         dispatch.EventConnect,
		ConnectionID: connectionID,
		UserID:       query.Get("userId"),
		DisplayName:  query.Get("name"),
		SessionID:    query.Get("sessionId"),
	})
	if err != nil {
		log.Printf("Connect rejected for %s: %v", connectionID, err)
		session.Close(websocket.CloseInternalServerErr, "Connect failed")
		return
	}

	// If this connect replaced older connections hosted on this
	// instance, their sockets are dead weight now.
	for _, prev := range result.Replaced {
		if prev.ServerID == h.serverID {
			h.manager.CloseClient(prev.ID, "Replaced by a newer connection")
		}
	}

	h.readLoop(session)
}

// readLoop pumps client frames into the dispatcher. Running as the only
// reader for the connection keeps that connection's events in arrival
// order.
func (h *Handler) readLoop(session *ClientSession) {
	connectionID := session.ID
	for {
		_, msg, err := session.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from client %s: %v", connectionID, err)
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			h.disconnect(connectionID)
			return
		}
		session.UpdateActivity()

		var action ClientAction
		if err := json.Unmarshal(msg, &action); err != nil {
			h.writeError(session, "", "invalid_json", "frame is not valid JSON")
			continue
		}
		h.handleAction(session, action)
	}
}

func (h *Handler) handleAction(session *ClientSession, action ClientAction) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connectionID := session.ID
	switch action.Action {
	case "join":
		if action.SessionID == "" {
			h.writeError(session, action.Action, "missing_session", "join requires session_id")
			return
		}
		if _, err := h.dispatcher.Join(ctx, connectionID, action.SessionID); err != nil {
			h.writeError(session, action.Action, "join_failed", err.Error())
		}
	case "leave":
		if err := h.dispatcher.Leave(ctx, connectionID); err != nil {
			h.writeError(session, action.Action, "leave_failed", err.Error())
		}
	case "heartbeat":
		if err := h.dispatcher.Heartbeat(ctx, connectionID); err != nil {
			h.writeError(session, action.Action, "heartbeat_failed", err.Error())
		}
	case "players":
		if err := h.dispatcher.Players(ctx, connectionID); err != nil {
			h.writeError(session, action.Action, "players_failed", err.Error())
		}
	case "message":
		err := h.dispatcher.Dispatch(ctx, dispatch.Event{
			Type:         dispatch.EventMessage,
			ConnectionID: connectionID,
			Recipients:   action.Recipients,
			Payload:      action.Payload,
		})
		if err != nil {
			h.writeError(session, action.Action, "message_failed", err.Error())
		}
	default:
		h.writeError(session, action.Action, "unknown_action", "unsupported action")
	}
}

// disconnect feeds socket teardown back into the dispatcher as a
// disconnect event. The request context is long gone by now.
func (h *Handler) disconnect(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.dispatcher.Disconnect(ctx, connectionID); err != nil {
		log.Printf("Disconnect handling for %s: %v", connectionID, err)
	}
}

func (h *Handler) writeError(session *ClientSession, action, code, details string) {
	frame, err := json.Marshal(map[string]string{
		"type":    "error",
		"action":  action,
		"error":   code,
		"details": details,
	})
	if err != nil {
		return
	}
	if err := session.SafeWrite(frame); err != nil {
		log.Printf("Failed to send error frame to %s: %v", session.ID, err)
	}
}
