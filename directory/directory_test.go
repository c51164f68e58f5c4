package directory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_JoinCreatesSession(t *testing.T) {
	d := New()

	sess, err := d.Join("s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, []string{"c1"}, sess.Participants)
	assert.Equal(t, 1, d.Count())
}

func TestDirectory_JoinIdempotentByDefault(t *testing.T) {
	d := New()
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)

	sess, err := d.Join("s1", "c1")
	require.NoError(t, err)
	assert.Len(t, sess.Participants, 1)
}

func TestDirectory_StrictJoin(t *testing.T) {
	d := New(WithStrictJoin())
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)

	_, err = d.Join("s1", "c1")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestDirectory_Leave(t *testing.T) {
	d := New()
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)
	_, err = d.Join("s1", "c2")
	require.NoError(t, err)

	sess, err := d.Leave("s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, sess.Participants)
}

func TestDirectory_LeaveNotFound(t *testing.T) {
	d := New()

	_, err := d.Leave("nope", "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Join("s1", "c1")
	require.NoError(t, err)
	_, err = d.Leave("s1", "c2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_LastLeaveDeletesByDefault(t *testing.T) {
	d := New()
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)

	sess, err := d.Leave("s1", "c1")
	require.NoError(t, err)
	assert.Empty(t, sess.Participants)
	assert.Zero(t, d.Count())

	_, err = d.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_IdlePolicyKeepsState(t *testing.T) {
	d := New(WithEmptyPolicy(PolicyIdle))
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)
	_, err = d.UpdateState("s1", json.RawMessage(`{"round":3}`))
	require.NoError(t, err)

	sess, err := d.Leave("s1", "c1")
	require.NoError(t, err)
	assert.True(t, sess.Idle)
	assert.Equal(t, 1, d.Count())

	// A later join resumes the session with its state intact.
	sess, err = d.Join("s1", "c2")
	require.NoError(t, err)
	assert.False(t, sess.Idle)
	assert.JSONEq(t, `{"round":3}`, string(sess.State))
}

func TestDirectory_UpdateStateLastWriterWins(t *testing.T) {
	d := New()
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)

	_, err = d.UpdateState("s1", json.RawMessage(`{"round":1,"turn":"c1"}`))
	require.NoError(t, err)
	sess, err := d.UpdateState("s1", json.RawMessage(`{"round":2}`))
	require.NoError(t, err)

	// Wholesale replacement, no merge.
	assert.JSONEq(t, `{"round":2}`, string(sess.State))
}

func TestDirectory_UpdateStateUnknownSession(t *testing.T) {
	d := New()
	_, err := d.UpdateState("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_MembersOf(t *testing.T) {
	d := New()
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)
	_, err = d.Join("s1", "c2")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"c1", "c2"}, d.MembersOf("s1"))
	assert.Nil(t, d.MembersOf("nope"))
}

// The snapshot returned by a session-deleting Leave must be built while
// the session lock is still held; a concurrent Join touching the same
// record must not be observable through it.
func TestDirectory_ConcurrentJoinAndFinalLeave(t *testing.T) {
	d := New()
	for i := 0; i < 200; i++ {
		_, err := d.Join("s1", "c1")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := d.Join("s1", "c2")
			assert.NoError(t, err)
		}()

		sess, err := d.Leave("s1", "c1")
		require.NoError(t, err)
		assert.NotContains(t, sess.Participants, "c1")
		<-done

		// Reset for the next round regardless of which goroutine won.
		if _, err := d.Leave("s1", "c2"); err != nil {
			require.ErrorIs(t, err, ErrNotFound)
		}
	}
}

func TestDirectory_SnapshotsAreDetached(t *testing.T) {
	now := time.Now()
	d := New(WithClock(func() time.Time { return now }))
	_, err := d.Join("s1", "c1")
	require.NoError(t, err)

	state := json.RawMessage(`{"round":1}`)
	sess, err := d.UpdateState("s1", state)
	require.NoError(t, err)

	// Mutating the caller's buffer must not leak into the record.
	state[9] = '9'
	fresh, err := d.Get("s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"round":1}`, string(fresh.State))
	assert.Equal(t, now, sess.CreatedAt)
}
