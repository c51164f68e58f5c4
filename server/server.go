package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/Manu-Manera/game-coordinator/broker"
	"github.com/Manu-Manera/game-coordinator/websocket"
)

// Server wraps the HTTP server hosting the websocket endpoint.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server listening on addr with the websocket
// handler mounted at /ws.
func NewServer(addr string, wsHandler http.HandlerFunc, readTimeout, writeTimeout time.Duration) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: readTimeout,
			// Websocket connections outlive any write timeout; the
			// upgrade hijacks the connection before it applies.
			WriteTimeout: writeTimeout,
		},
	}
}

// Start runs the server until Shutdown.
func (s *Server) Start() {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

// Shutdown closes client connections, waits for in-flight work and
// stops the HTTP server and broker.
func (s *Server) Shutdown(ctx context.Context, manager *websocket.ClientManager, messageBroker broker.MessageBroker) {
	log.Println("Shutting down: closing client connections")
	manager.CloseAllConnections("Server shutting down")
	manager.WaitForCompletion()

	if messageBroker != nil {
		if err := messageBroker.Close(); err != nil {
			log.Printf("Broker close: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
