// Package directory tracks which connections participate in which game
// session and holds each session's opaque state blob. It owns Session
// records exclusively; participant IDs are non-owning references into the
// connection registry and are re-validated there before any dispatch.
package directory

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when operating on an unknown session or
	// leaving a session the connection is not part of.
	ErrNotFound = errors.New("directory: session not found")
	// ErrAlreadyJoined is returned in strict mode when a connection
	// joins a session it already belongs to.
	ErrAlreadyJoined = errors.New("directory: connection already joined")
)

// EmptyPolicy decides what happens to a session when its last
// participant leaves.
type EmptyPolicy string

const (
	// PolicyDelete removes the session record entirely. Default: a
	// reconnecting user re-creates the session on join, and no state
	// outlives its last participant.
	PolicyDelete EmptyPolicy = "delete"
	// PolicyIdle keeps the record with its state and marks it idle, so
	// a later join resumes where the session left off.
	PolicyIdle EmptyPolicy = "idle"
)

// Session is a snapshot of one session's membership and state.
type Session struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	State        json.RawMessage `json:"state,omitempty"`
	Idle         bool            `json:"idle,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// session is the live record. Each session carries its own lock so that
// high session count scales independently of per-session contention; the
// directory lock only guards the map itself.
type session struct {
	mu           sync.Mutex
	id           string
	participants map[string]struct{}
	state        json.RawMessage
	idle         bool
	createdAt    time.Time
	updatedAt    time.Time
}

// Directory is the in-process session directory.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*session

	policy EmptyPolicy
	strict bool
	now    func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithEmptyPolicy sets what happens when a session empties out.
func WithEmptyPolicy(p EmptyPolicy) Option {
	return func(d *Directory) { d.policy = p }
}

// WithStrictJoin makes joining a session twice an error instead of an
// idempotent no-op.
func WithStrictJoin() Option {
	return func(d *Directory) { d.strict = true }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// New creates a Directory. The default empty-session policy is delete.
func New(opts ...Option) *Directory {
	d := &Directory{
		sessions: make(map[string]*session),
		policy:   PolicyDelete,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// get returns the live record for a session if it exists.
func (d *Directory) get(sessionID string) (*session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// getOrCreate returns the live record, creating it on first join.
func (d *Directory) getOrCreate(sessionID string) *session {
	if s, ok := d.get(sessionID); ok {
		return s
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		return s
	}
	now := d.now()
	s := &session{
		id:           sessionID,
		participants: make(map[string]struct{}),
		createdAt:    now,
		updatedAt:    now,
	}
	d.sessions[sessionID] = s
	return s
}

// Join adds a connection to a session, creating the session if absent.
// Idempotent by default; ErrAlreadyJoined in strict mode.
func (d *Directory) Join(sessionID, connectionID string) (*Session, error) {
	s := d.getOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, joined := s.participants[connectionID]; joined {
		if d.strict {
			return nil, ErrAlreadyJoined
		}
		return s.snapshotLocked(), nil
	}
	s.participants[connectionID] = struct{}{}
	s.idle = false
	s.updatedAt = d.now()
	return s.snapshotLocked(), nil
}

// Leave removes a connection from a session. When the last participant
// leaves, the empty policy decides whether the session is deleted or
// kept idle. ErrNotFound when the session is unknown or the connection
// was not a participant.
func (d *Directory) Leave(sessionID, connectionID string) (*Session, error) {
	s, ok := d.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.Lock()

	if _, joined := s.participants[connectionID]; !joined {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(s.participants, connectionID)
	s.updatedAt = d.now()

	if len(s.participants) == 0 {
		switch d.policy {
		case PolicyIdle:
			s.idle = true
		default:
			snap := s.snapshotLocked()
			s.mu.Unlock()
			d.mu.Lock()
			// Re-check under the map lock: a concurrent Join may have
			// repopulated the session between the two locks.
			s.mu.Lock()
			if len(s.participants) == 0 {
				delete(d.sessions, sessionID)
			}
			s.mu.Unlock()
			d.mu.Unlock()
			return snap, nil
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

// UpdateState replaces a session's state wholesale. Last writer wins; no
// merge and no version check. ErrNotFound when the session is unknown.
func (d *Directory) UpdateState(sessionID string, state json.RawMessage) (*Session, error) {
	s, ok := d.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = append(json.RawMessage(nil), state...)
	s.updatedAt = d.now()
	return s.snapshotLocked(), nil
}

// MembersOf returns the participant connection IDs of a session, in no
// particular order. Unknown sessions have no members.
func (d *Directory) MembersOf(sessionID string) []string {
	s, ok := d.get(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.participants))
	for id := range s.participants {
		members = append(members, id)
	}
	return members
}

// Get returns a snapshot of a session.
func (d *Directory) Get(sessionID string) (*Session, error) {
	s, ok := d.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// Sessions returns the IDs of every session currently held, idle
// included. Used by the sweep to reconcile membership against the
// registry.
func (d *Directory) Sessions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of sessions currently held, idle included.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// snapshotLocked copies the record; callers must hold s.mu.
func (s *session) snapshotLocked() *Session {
	participants := make([]string, 0, len(s.participants))
	for id := range s.participants {
		participants = append(participants, id)
	}
	var state json.RawMessage
	if s.state != nil {
		state = append(json.RawMessage(nil), s.state...)
	}
	return &Session{
		ID:           s.id,
		Participants: participants,
		State:        state,
		Idle:         s.idle,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}
