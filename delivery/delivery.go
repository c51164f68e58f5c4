// Package delivery abstracts "push bytes to connection C". The dispatcher
// only ever sees this interface; whether the target socket is held by this
// process or by another coordinator instance is the router's concern.
package delivery

import (
	"context"
	"errors"
)

var (
	// ErrRecipientGone means the target connection no longer exists or
	// can no longer be written to. The dispatcher converts it into
	// disconnect handling for that connection; a dead transport rarely
	// recovers mid-broadcast, so there is no retry.
	ErrRecipientGone = errors.New("delivery: recipient gone")
	// ErrTransient wraps failures that may clear up on their own, for
	// example a broker publish timeout. Pushes get a small bounded
	// number of extra attempts on these (default none).
	ErrTransient = errors.New("delivery: transient failure")
)

// Channel pushes bytes to a single connection. Implementations report
// per-connection failure without blocking deliveries to other
// connections; callers bound each push with the context deadline.
type Channel interface {
	Push(ctx context.Context, connectionID string, data []byte) error
}

// Gone reports whether err means the recipient is unreachable for good.
func Gone(err error) bool {
	return errors.Is(err, ErrRecipientGone)
}
