package registry

import (
	"context"
	"errors"
	"time"
)

// Status describes the lifecycle state of a connection record.
type Status string

const (
	// StatusOnline is the only state in which a connection may receive
	// deliveries or appear in a session's participant set.
	StatusOnline Status = "online"
	// StatusReplaced marks a connection superseded by a newer connection
	// for the same user. Terminal; expiry reclaims the record.
	StatusReplaced Status = "replaced"
	// StatusClosed marks an explicitly disconnected connection. Terminal.
	StatusClosed Status = "closed"
)

var (
	// ErrNotFound is returned when operating on an unknown or already
	// closed connection. Callers treat it as "already resolved".
	ErrNotFound = errors.New("registry: connection not found")
	// ErrConflict is returned when a connection ID is registered twice.
	// This indicates caller misuse and is never retried.
	ErrConflict = errors.New("registry: connection id already registered")
	// ErrUnavailable wraps transient backing-store failures after the
	// bounded retries are exhausted.
	ErrUnavailable = errors.New("registry: store unavailable")
)

// Connection is the registry's record of one physical channel.
type Connection struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	ServerID       string    `json:"server_id"` // coordinator instance hosting the socket
	Status         Status    `json:"status"`
	SessionID      string    `json:"session_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Online reports whether the connection may participate in sessions
// and receive deliveries.
func (c *Connection) Online() bool {
	return c.Status == StatusOnline
}

// RegisterParams carries the identity supplied by the transport layer at
// connect time.
type RegisterParams struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	ServerID     string
}

// RegisterResult is the outcome of a Register call: the new record plus
// any prior online connections of the same user that were atomically
// marked replaced as part of the same operation.
type RegisterResult struct {
	Connection *Connection
	Replaced   []*Connection
}

// Store is the connection registry. Implementations must make the
// duplicate-user swap in Register atomic per user ID, and Close
// idempotent (closing a closed connection is a no-op success).
type Store interface {
	// Register creates a record for a new connection. Fails with
	// ErrConflict if the connection ID already exists. If the user
	// already has an online connection it is transitioned to replaced
	// within the same operation.
	Register(ctx context.Context, p RegisterParams) (*RegisterResult, error)

	// Get returns the record for a connection, ErrNotFound if unknown.
	Get(ctx context.Context, connectionID string) (*Connection, error)

	// Touch refreshes last activity and extends expiry. ErrNotFound if
	// the connection is unknown or no longer online.
	Touch(ctx context.Context, connectionID string) error

	// SetSession records the session a connection has joined (empty
	// string clears it). ErrNotFound if the connection is not online.
	SetSession(ctx context.Context, connectionID, sessionID string) error

	// Close marks the connection closed and returns its final record.
	// Closing an already closed or replaced connection succeeds.
	Close(ctx context.Context, connectionID string) (*Connection, error)

	// LookupByUser returns every record held for a user, in no
	// particular order. Callers filter by status.
	LookupByUser(ctx context.Context, userID string) ([]*Connection, error)

	// ListOnline returns every online connection, in no particular
	// order. Presence queries filter out the asking connection
	// themselves.
	ListOnline(ctx context.Context) ([]*Connection, error)

	// SweepExpired reclaims all records with ExpiresAt before now and
	// returns how many were removed. Safe to call concurrently with
	// normal traffic and repeatedly.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
