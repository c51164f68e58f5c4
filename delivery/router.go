package delivery

import (
	"context"
	"fmt"
	"log"

	"github.com/Manu-Manera/game-coordinator/broker"
	"github.com/Manu-Manera/game-coordinator/metrics"
	"github.com/Manu-Manera/game-coordinator/registry"
)

// Router is the Channel handed to the dispatcher. It pushes directly when
// this instance hosts the target socket and otherwise publishes the frame
// on the broker, keyed by the hosting instance's server ID. With no
// broker configured (single-instance deployment) a non-local target is
// simply gone.
type Router struct {
	serverID string
	local    Channel
	reg      registry.Store
	brk      broker.MessageBroker

	// onFailure is invoked with the connection ID of a broker-routed
	// frame that could not be written locally, so the host can trigger
	// lazy cleanup.
	onFailure func(connectionID string)
}

// NewRouter creates a delivery router. brk may be nil.
func NewRouter(serverID string, local Channel, reg registry.Store, brk broker.MessageBroker) *Router {
	return &Router{serverID: serverID, local: local, reg: reg, brk: brk}
}

// OnFailure registers the lazy-cleanup hook for failed inbound deliveries.
func (r *Router) OnFailure(fn func(connectionID string)) {
	r.onFailure = fn
}

// Push implements Channel.
func (r *Router) Push(ctx context.Context, connectionID string, data []byte) error {
	conn, err := r.reg.Get(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRecipientGone, connectionID)
	}
	if !conn.Online() {
		return fmt.Errorf("%w: %s is %s", ErrRecipientGone, connectionID, conn.Status)
	}

	if conn.ServerID == r.serverID {
		return r.local.Push(ctx, connectionID, data)
	}

	if r.brk == nil {
		return fmt.Errorf("%w: %s hosted on unreachable instance %s", ErrRecipientGone, connectionID, conn.ServerID)
	}
	err = r.brk.Publish(ctx, broker.DeliveriesChannel, broker.Message{
		ConnectionID: connectionID,
		ServerID:     conn.ServerID,
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("%w: publish for %s: %v", ErrTransient, connectionID, err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(r.brk.Type()).Inc()
	return nil
}

// Listen consumes broker-routed frames addressed to this instance and
// writes them to the local sockets. Blocks until ctx is cancelled.
func (r *Router) Listen(ctx context.Context) error {
	if r.brk == nil {
		return nil
	}
	messages, err := r.brk.Subscribe(ctx, broker.DeliveriesChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", broker.DeliveriesChannel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				log.Println("Deliveries channel closed")
				return nil
			}
			// Only frames addressed to this instance.
			if message.ServerID != r.serverID {
				continue
			}
			if err := r.local.Push(ctx, message.ConnectionID, message.Data); err != nil {
				log.Printf("Failed to deliver routed frame to %s: %v", message.ConnectionID, err)
				if r.onFailure != nil {
					r.onFailure(message.ConnectionID)
				}
			}
		}
	}
}
