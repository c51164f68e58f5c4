package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used in single-instance deployments
// and tests. The map lock is held only for lookups and pointer swaps; the
// read-modify-write in Register is serialized per user so two users never
// contend with each other.
type MemoryStore struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	userLocks sync.Map // userID -> *sync.Mutex

	ttl time.Duration
	now func() time.Time
}

// NewMemoryStore creates a memory-backed registry. Records expire ttl
// after their last activity; SweepExpired reclaims them.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	lock, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Register implements Store.
func (s *MemoryStore) Register(ctx context.Context, p RegisterParams) (*RegisterResult, error) {
	// Serialize per user so two simultaneous connects for the same user
	// cannot both end up online.
	lock := s.userLock(p.UserID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[p.ConnectionID]; exists {
		return nil, ErrConflict
	}

	now := s.now()
	var replaced []*Connection
	for _, prev := range s.byUser[p.UserID] {
		if prev.Status == StatusOnline {
			prev.Status = StatusReplaced
			replaced = append(replaced, snapshot(prev))
		}
	}

	conn := &Connection{
		ID:             p.ConnectionID,
		UserID:         p.UserID,
		DisplayName:    p.DisplayName,
		ServerID:       p.ServerID,
		Status:         StatusOnline,
		ConnectedAt:    now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.ttl),
	}
	s.conns[p.ConnectionID] = conn
	if s.byUser[p.UserID] == nil {
		s.byUser[p.UserID] = make(map[string]*Connection)
	}
	s.byUser[p.UserID][p.ConnectionID] = conn

	return &RegisterResult{Connection: snapshot(conn), Replaced: replaced}, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, connectionID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(conn), nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connectionID]
	if !ok || conn.Status != StatusOnline {
		return ErrNotFound
	}
	now := s.now()
	conn.LastActivityAt = now
	conn.ExpiresAt = now.Add(s.ttl)
	return nil
}

// SetSession implements Store.
func (s *MemoryStore) SetSession(ctx context.Context, connectionID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connectionID]
	if !ok || conn.Status != StatusOnline {
		return ErrNotFound
	}
	conn.SessionID = sessionID
	return nil
}

// Close implements Store. Closing twice is a no-op success; disconnect
// notifications can arrive more than once or out of order.
func (s *MemoryStore) Close(ctx context.Context, connectionID string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	if conn.Status == StatusOnline {
		conn.Status = StatusClosed
	}
	return snapshot(conn), nil
}

// LookupByUser implements Store.
func (s *MemoryStore) LookupByUser(ctx context.Context, userID string) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Connection, 0, len(s.byUser[userID]))
	for _, conn := range s.byUser[userID] {
		conns = append(conns, snapshot(conn))
	}
	return conns, nil
}

// ListOnline implements Store.
func (s *MemoryStore) ListOnline(ctx context.Context) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conns []*Connection
	for _, conn := range s.conns {
		if conn.Status == StatusOnline {
			conns = append(conns, snapshot(conn))
		}
	}
	return conns, nil
}

// SweepExpired implements Store. Removes every record whose expiry is in
// the past, regardless of status; a connection that never sent a
// disconnect is reclaimed here.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, conn := range s.conns {
		if conn.ExpiresAt.Before(now) {
			delete(s.conns, id)
			delete(s.byUser[conn.UserID], id)
			if len(s.byUser[conn.UserID]) == 0 {
				delete(s.byUser, conn.UserID)
			}
			removed++
		}
	}
	return removed, nil
}

// snapshot copies a record so callers never share memory with the store.
func snapshot(c *Connection) *Connection {
	copied := *c
	return &copied
}
