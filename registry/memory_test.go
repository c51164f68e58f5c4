package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(90 * time.Second)
}

func register(t *testing.T, s *MemoryStore, connID, userID string) *RegisterResult {
	t.Helper()
	result, err := s.Register(context.Background(), RegisterParams{
		ConnectionID: connID,
		UserID:       userID,
		DisplayName:  "guest",
		ServerID:     "srv-1",
	})
	require.NoError(t, err)
	return result
}

func TestMemoryStore_Register(t *testing.T) {
	s := newTestStore(t)

	result := register(t, s, "c1", "u1")
	assert.Equal(t, StatusOnline, result.Connection.Status)
	assert.Empty(t, result.Replaced)
	assert.Equal(t, "u1", result.Connection.UserID)
	assert.True(t, result.Connection.ExpiresAt.After(result.Connection.ConnectedAt))
}

func TestMemoryStore_RegisterConflict(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", "u1")

	_, err := s.Register(context.Background(), RegisterParams{ConnectionID: "c1", UserID: "u2"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_RegisterReplacesPriorOnline(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", "u1")

	result := register(t, s, "c2", "u1")
	require.Len(t, result.Replaced, 1)
	assert.Equal(t, "c1", result.Replaced[0].ID)
	assert.Equal(t, StatusReplaced, result.Replaced[0].Status)

	// lookupByUser returns both records with their final statuses.
	conns, err := s.LookupByUser(context.Background(), "u1")
	require.NoError(t, err)
	statuses := map[string]Status{}
	for _, c := range conns {
		statuses[c.ID] = c.Status
	}
	assert.Equal(t, map[string]Status{"c1": StatusReplaced, "c2": StatusOnline}, statuses)
}

// The dedup invariant: whatever sequence of connects arrives for one
// user, at most one of their connections is online afterwards.
func TestMemoryStore_DedupInvariantUnderConcurrency(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.Register(context.Background(), RegisterParams{
				ConnectionID: id,
				UserID:       "u1",
				ServerID:     "srv-1",
			})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	conns, err := s.LookupByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, conns, len(ids))

	online := 0
	for _, c := range conns {
		if c.Status == StatusOnline {
			online++
		}
	}
	assert.Equal(t, 1, online, "exactly one connection may be online per user")
}

func TestMemoryStore_Touch(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	register(t, s, "c1", "u1")

	now = now.Add(30 * time.Second)
	require.NoError(t, s.Touch(context.Background(), "c1"))

	conn, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, now, conn.LastActivityAt)
	assert.Equal(t, now.Add(90*time.Second), conn.ExpiresAt)
}

func TestMemoryStore_TouchUnknownOrClosed(t *testing.T) {
	s := newTestStore(t)

	assert.ErrorIs(t, s.Touch(context.Background(), "nope"), ErrNotFound)

	register(t, s, "c1", "u1")
	_, err := s.Close(context.Background(), "c1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Touch(context.Background(), "c1"), ErrNotFound)
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", "u1")

	first, err := s.Close(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, first.Status)

	// Closing again is a no-op success with identical observable state.
	second, err := s.Close(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMemoryStore_CloseUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Close(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CloseDoesNotResurrectReplaced(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", "u1")
	register(t, s, "c2", "u1")

	// A late disconnect for the replaced connection keeps its status.
	conn, err := s.Close(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusReplaced, conn.Status)
}

func TestMemoryStore_SetSession(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", "u1")

	require.NoError(t, s.SetSession(context.Background(), "c1", "s1"))
	conn, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", conn.SessionID)

	_, err = s.Close(context.Background(), "c1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetSession(context.Background(), "c1", "s2"), ErrNotFound)
}

func TestMemoryStore_ListOnline(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", "u1")
	register(t, s, "c2", "u2")
	register(t, s, "c3", "u3")

	// c2 disconnects, u3 reconnects on c4 replacing c3.
	_, err := s.Close(context.Background(), "c2")
	require.NoError(t, err)
	register(t, s, "c4", "u3")

	conns, err := s.ListOnline(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		assert.Equal(t, StatusOnline, c.Status)
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"c1", "c4"}, ids)
}

func TestMemoryStore_SweepExpired(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	s.SetClock(func() time.Time { return now })
	register(t, s, "c1", "u1")

	now = now.Add(60 * time.Second)
	register(t, s, "c2", "u2")

	// c1 expires 90s after registration; c2 does not.
	removed, err := s.SweepExpired(context.Background(), now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Expired records vanish from lookups even though no disconnect
	// event was ever received.
	conns, err := s.LookupByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, conns)

	conns, err = s.LookupByUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	// Sweeping again finds nothing; the sweep is idempotent.
	removed, err = s.SweepExpired(context.Background(), now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Zero(t, removed)
}
