// Package dispatch routes inbound connection events to the registry and
// session directory and fans resulting frames out over the delivery
// channel.
//
// Ordering: the transport host calls Dispatch from a single reader
// goroutine per connection, so events for one connection are processed in
// arrival order. Across connections there is no ordering guarantee; a
// broadcast is independent fan-out, not a total order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Manu-Manera/game-coordinator/broker"
	"github.com/Manu-Manera/game-coordinator/delivery"
	"github.com/Manu-Manera/game-coordinator/directory"
	"github.com/Manu-Manera/game-coordinator/metrics"
	"github.com/Manu-Manera/game-coordinator/registry"
)

const (
	defaultPushTimeout = 5 * time.Second
	defaultDisplayName = "guest"
	anonUserPrefix     = "anon-"
)

// Dispatcher is the coordination core's state machine. All registry and
// directory mutation goes through here; the transport host only parses
// frames and owns sockets.
type Dispatcher struct {
	serverID    string
	reg         registry.Store
	dir         *directory.Directory
	ch          delivery.Channel
	pushTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPushTimeout bounds each per-target delivery so one unresponsive
// connection cannot stall the fan-out to others.
func WithPushTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.pushTimeout = d }
}

// New creates a Dispatcher.
func New(serverID string, reg registry.Store, dir *directory.Directory, ch delivery.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		serverID:    serverID,
		reg:         reg,
		dir:         dir,
		ch:          ch,
		pushTimeout: defaultPushTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates an inbound event and routes it to the matching
// handler. NotFound outcomes are resolved locally (logged, dropped);
// ErrConflict surfaces to the caller because it means connection ID
// reuse, which is a transport-layer defect.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	metrics.EventsDispatched.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case EventConnect:
		_, err := d.Connect(ctx, ev)
		return err
	case EventDisconnect:
		return d.Disconnect(ctx, ev.ConnectionID)
	default:
		return d.Message(ctx, ev)
	}
}

// Connect registers a new connection, marking any prior online
// connection of the same user replaced. The replaced connections are
// returned so the transport host can close their sockets. A session hint
// on the event joins the new connection immediately; a replaced
// connection's membership is never carried over — the client re-joins.
func (d *Dispatcher) Connect(ctx context.Context, ev Event) (*registry.RegisterResult, error) {
	userID := ev.UserID
	if userID == "" {
		// Anonymous connections get an identity derived from the
		// transport-assigned connection ID.
		userID = anonUserPrefix + ev.ConnectionID
	}
	displayName := ev.DisplayName
	if displayName == "" {
		displayName = defaultDisplayName
	}

	result, err := d.reg.Register(ctx, registry.RegisterParams{
		ConnectionID: ev.ConnectionID,
		UserID:       userID,
		DisplayName:  displayName,
		ServerID:     d.serverID,
	})
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			return nil, fmt.Errorf("connection id %s reused: %w", ev.ConnectionID, err)
		}
		return nil, err
	}
	metrics.TotalConnections.Inc()

	// A replaced connection leaves its session the same way a
	// disconnected one does: synchronously, with a notification to the
	// remaining members. Its record stays until expiry reclaims it.
	for _, prev := range result.Replaced {
		metrics.ReplacedConnections.Inc()
		log.Printf("Connection %s replaced by %s for user %s", prev.ID, ev.ConnectionID, userID)
		if prev.SessionID != "" {
			d.leaveSession(ctx, prev, true)
		}
	}

	if ev.SessionID != "" {
		if _, err := d.Join(ctx, ev.ConnectionID, ev.SessionID); err != nil {
			log.Printf("Connect-time join of %s to %s failed: %v", ev.ConnectionID, ev.SessionID, err)
		}
	}

	// Welcome frame tells the client its identity. Best effort: a
	// client that misses it still works.
	welcome := encodeFrame(Frame{
		Type: FrameWelcome,
		From: &Peer{ConnectionID: ev.ConnectionID, UserID: userID, DisplayName: displayName},
	})
	if err := d.push(ctx, ev.ConnectionID, welcome); err != nil {
		log.Printf("Failed to send welcome to %s: %v", ev.ConnectionID, err)
	}

	return result, nil
}

// Disconnect closes a connection and removes it from its session,
// notifying the remaining members. Idempotent: late or repeated
// disconnects for an already-closed connection are dropped.
func (d *Dispatcher) Disconnect(ctx context.Context, connectionID string) error {
	return d.disconnect(ctx, connectionID, true)
}

func (d *Dispatcher) disconnect(ctx context.Context, connectionID string, notify bool) error {
	conn, err := d.reg.Get(ctx, connectionID)
	if err != nil {
		d.drop("disconnect", connectionID, err)
		return nil
	}
	if !conn.Online() {
		// Already resolved by an earlier disconnect, replace, or sweep.
		d.drop("disconnect", connectionID, nil)
		return nil
	}

	if _, err := d.reg.Close(ctx, connectionID); err != nil {
		d.drop("disconnect", connectionID, err)
		return nil
	}

	if conn.SessionID != "" {
		d.leaveSession(ctx, conn, notify)
	}
	return nil
}

// Message refreshes the sender's activity and fans the payload out to
// the resolved target set: an explicit recipient list when the event
// carries one, otherwise the sender's session members minus the sender.
// Only the sender's own registry failure comes back as an error; a
// target's delivery problem never does.
func (d *Dispatcher) Message(ctx context.Context, ev Event) error {
	sender, err := d.reg.Get(ctx, ev.ConnectionID)
	if err != nil {
		d.drop("message", ev.ConnectionID, err)
		return nil
	}
	if err := d.reg.Touch(ctx, ev.ConnectionID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// The sender's own connection is no longer online; this
			// failure belongs to the sender.
			return fmt.Errorf("sender %s: %w", ev.ConnectionID, err)
		}
		return err
	}

	var targets []string
	switch {
	case len(ev.Recipients) > 0:
		targets = ev.Recipients
	case sender.SessionID != "":
		targets = exclude(d.dir.MembersOf(sender.SessionID), ev.ConnectionID)
	}
	if len(targets) == 0 {
		return nil
	}

	frame := encodeFrame(Frame{
		Type:      FrameMessage,
		SessionID: sender.SessionID,
		From:      &Peer{ConnectionID: sender.ID, UserID: sender.UserID, DisplayName: sender.DisplayName},
		Payload:   ev.Payload,
	})
	d.fanOut(ctx, targets, frame)
	return nil
}

// Join adds a connection to a session (creating it if needed), records
// the membership on the connection, and tells the existing members.
func (d *Dispatcher) Join(ctx context.Context, connectionID, sessionID string) (*directory.Session, error) {
	conn, err := d.reg.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Online() {
		return nil, registry.ErrNotFound
	}

	sess, err := d.dir.Join(sessionID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := d.reg.SetSession(ctx, connectionID, sessionID); err != nil {
		// Roll the membership back; the participant set must never
		// reference a connection the registry does not consider online.
		d.dir.Leave(sessionID, connectionID)
		return nil, err
	}
	metrics.ActiveSessions.Set(float64(d.dir.Count()))

	notice := encodeFrame(Frame{
		Type:      FrameUserJoined,
		SessionID: sessionID,
		From:      &Peer{ConnectionID: conn.ID, UserID: conn.UserID, DisplayName: conn.DisplayName},
	})
	d.fanOut(ctx, exclude(sess.Participants, connectionID), notice)
	return sess, nil
}

// Leave removes a connection from its current session and notifies the
// remaining members.
func (d *Dispatcher) Leave(ctx context.Context, connectionID string) error {
	conn, err := d.reg.Get(ctx, connectionID)
	if err != nil {
		d.drop("leave", connectionID, err)
		return nil
	}
	if conn.SessionID == "" {
		return nil
	}
	d.leaveSession(ctx, conn, true)
	return d.reg.SetSession(ctx, connectionID, "")
}

// Players answers a presence query: every online connection except the
// asker, pushed back to the asker as a players frame. The query counts
// as activity.
func (d *Dispatcher) Players(ctx context.Context, connectionID string) error {
	if err := d.reg.Touch(ctx, connectionID); err != nil {
		return err
	}
	conns, err := d.reg.ListOnline(ctx)
	if err != nil {
		return err
	}

	peers := make([]Peer, 0, len(conns))
	for _, conn := range conns {
		if conn.ID == connectionID {
			continue
		}
		peers = append(peers, Peer{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			DisplayName:  conn.DisplayName,
		})
	}

	frame := encodeFrame(Frame{Type: FramePlayers, Peers: peers})
	if err := d.push(ctx, connectionID, frame); err != nil {
		log.Printf("Failed to send player list to %s: %v", connectionID, err)
	}
	return nil
}

// Heartbeat refreshes the sender's activity window and acknowledges.
func (d *Dispatcher) Heartbeat(ctx context.Context, connectionID string) error {
	if err := d.reg.Touch(ctx, connectionID); err != nil {
		return err
	}
	ack := encodeFrame(Frame{Type: FrameHeartbeatAck})
	if err := d.push(ctx, connectionID, ack); err != nil {
		log.Printf("Failed to ack heartbeat for %s: %v", connectionID, err)
	}
	return nil
}

// UpdateState replaces a session's state wholesale (last writer wins)
// and fans the new state out to every member.
func (d *Dispatcher) UpdateState(ctx context.Context, sessionID string, state json.RawMessage) error {
	sess, err := d.dir.UpdateState(sessionID, state)
	if err != nil {
		return err
	}
	frame := encodeFrame(Frame{
		Type:      FrameSessionState,
		SessionID: sessionID,
		State:     sess.State,
	})
	d.fanOut(ctx, sess.Participants, frame)
	return nil
}

// RunStateRelay consumes session state published by backend
// collaborators and applies it. Blocks until ctx is cancelled.
func (d *Dispatcher) RunStateRelay(ctx context.Context, brk broker.MessageBroker) error {
	messages, err := brk.Subscribe(ctx, broker.SessionStateChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", broker.SessionStateChannel, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			if message.SessionID == "" {
				continue
			}
			if err := d.UpdateState(ctx, message.SessionID, message.Data); err != nil {
				log.Printf("State update for session %s dropped: %v", message.SessionID, err)
			}
		}
	}
}

// Sweep reclaims expired connection records and reconciles session
// membership: any participant the registry no longer considers online is
// removed. Safe to run concurrently with normal traffic.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	removed, err := d.reg.SweepExpired(ctx, time.Now())
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		metrics.ExpiredConnections.Add(float64(removed))
	}

	for _, sessionID := range d.dir.Sessions() {
		for _, connectionID := range d.dir.MembersOf(sessionID) {
			conn, err := d.reg.Get(ctx, connectionID)
			if err == nil && conn.Online() {
				continue
			}
			if _, err := d.dir.Leave(sessionID, connectionID); err == nil {
				log.Printf("Sweep removed %s from session %s", connectionID, sessionID)
			}
		}
	}
	metrics.ActiveSessions.Set(float64(d.dir.Count()))
	return removed, nil
}

// HandleDeliveryFailure is the lazy-cleanup entry point for the delivery
// router: a connection whose push failed gets disconnect handling rather
// than a retry.
func (d *Dispatcher) HandleDeliveryFailure(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.pushTimeout)
	defer cancel()
	if err := d.disconnect(ctx, connectionID, true); err != nil {
		log.Printf("Lazy cleanup of %s failed: %v", connectionID, err)
	}
}

// leaveSession removes a no-longer-online connection from its session,
// best effort, and optionally notifies the remaining members. Directory
// errors here are swallowed: cleanup is idempotent and the next sweep
// retries.
func (d *Dispatcher) leaveSession(ctx context.Context, conn *registry.Connection, notify bool) {
	if _, err := d.dir.Leave(conn.SessionID, conn.ID); err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			log.Printf("Failed to remove %s from session %s: %v", conn.ID, conn.SessionID, err)
		}
		return
	}
	metrics.ActiveSessions.Set(float64(d.dir.Count()))

	if !notify {
		return
	}
	notice := encodeFrame(Frame{
		Type:      FrameUserLeft,
		SessionID: conn.SessionID,
		From:      &Peer{ConnectionID: conn.ID, UserID: conn.UserID, DisplayName: conn.DisplayName},
	})
	d.fanOut(ctx, d.dir.MembersOf(conn.SessionID), notice)
}

// fanOut delivers one frame to each target independently. The target set
// is resolved before the first push; each push gets its own bounded
// timeout; one recipient's failure never aborts delivery to the others.
// Failed recipients get disconnect handling afterwards — lazy cleanup,
// no retry.
func (d *Dispatcher) fanOut(ctx context.Context, targets []string, frame []byte) {
	if len(frame) == 0 || len(targets) == 0 {
		return
	}

	var failed []string
	for _, target := range targets {
		// Re-validate against the registry: the directory holds
		// non-owning references and a member may have gone offline
		// since the set was resolved.
		conn, err := d.reg.Get(ctx, target)
		if err != nil || !conn.Online() {
			failed = append(failed, target)
			continue
		}
		metrics.DeliveriesAttempted.Inc()
		if err := d.push(ctx, target, frame); err != nil {
			reason := "transient"
			if delivery.Gone(err) {
				reason = "gone"
			}
			metrics.DeliveriesFailed.WithLabelValues(reason).Inc()
			log.Printf("Delivery to %s failed (%s): %v", target, reason, err)
			failed = append(failed, target)
		}
	}

	// Cleanup disconnects may broadcast their own "user left" notices;
	// each one closes a connection for good, so the chain terminates.
	for _, target := range failed {
		if err := d.disconnect(ctx, target, true); err != nil {
			log.Printf("Cleanup of %s after failed delivery: %v", target, err)
		}
	}
}

func (d *Dispatcher) push(ctx context.Context, connectionID string, frame []byte) error {
	pushCtx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()
	return d.ch.Push(pushCtx, connectionID, frame)
}

func (d *Dispatcher) drop(event, connectionID string, err error) {
	metrics.EventsDropped.Inc()
	if err != nil {
		log.Printf("Dropped %s for %s: %v", event, connectionID, err)
	} else {
		log.Printf("Dropped %s for %s: already resolved", event, connectionID)
	}
}

func exclude(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
