package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsDuplicate(t *testing.T) {
	st := New()
	_, err := st.Create("chan-1", time.Now())
	require.NoError(t, err)
	_, err = st.Create("chan-1", time.Now())
	assert.Error(t, err)
}

func TestBindSSRCOnceWins(t *testing.T) {
	// P5: binding uniqueness.
	st := New()
	_, err := st.Create("chan-1", time.Now())
	require.NoError(t, err)
	_, err = st.Create("chan-2", time.Now())
	require.NoError(t, err)

	assert.True(t, st.BindSSRC("chan-1", 42))
	assert.False(t, st.BindSSRC("chan-2", 42), "second bind of the same SSRC must be a no-op")

	s, ok := st.GetBySSRC(42)
	require.True(t, ok)
	assert.Equal(t, "chan-1", s.CallerChannelID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	// L3: double-terminate / double-delete is a no-op.
	st := New()
	_, err := st.Create("chan-1", time.Now())
	require.NoError(t, err)
	st.BindSSRC("chan-1", 7)

	st.Delete("chan-1")
	assert.NotPanics(t, func() { st.Delete("chan-1") })

	_, ok := st.GetByCaller("chan-1")
	assert.False(t, ok)
	_, ok = st.GetBySSRC(7)
	assert.False(t, ok, "index entries must not survive deletion")
}

func TestCompletePlaybackIsIdempotent(t *testing.T) {
	// L4: duplicate playback completion is a no-op.
	st := New()
	require.NoError(t, st.RegisterPlayback(PlaybackRecord{PlaybackID: "pb-1", CallerChannelID: "chan-1"}))

	rec, ok := st.CompletePlayback("pb-1")
	require.True(t, ok)
	assert.Equal(t, "chan-1", rec.CallerChannelID)

	_, ok = st.CompletePlayback("pb-1")
	assert.False(t, ok, "completing an already-completed playback must report a miss, not panic or double-fire")
}

func TestRegisterPlaybackRejectsDuplicateID(t *testing.T) {
	st := New()
	require.NoError(t, st.RegisterPlayback(PlaybackRecord{PlaybackID: "pb-1", CallerChannelID: "chan-1"}))
	err := st.RegisterPlayback(PlaybackRecord{PlaybackID: "pb-1", CallerChannelID: "chan-2"})
	assert.Error(t, err)
}

func TestDeleteCleansUpPlaybacks(t *testing.T) {
	// P6: cleanup totality.
	st := New()
	_, err := st.Create("chan-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, st.RegisterPlayback(PlaybackRecord{PlaybackID: "pb-1", CallerChannelID: "chan-1"}))

	st.Delete("chan-1")
	assert.False(t, st.PlaybackExists("pb-1"))
}

func TestUnboundMediaLegSessionsOrderedOldestFirst(t *testing.T) {
	st := New()
	t0 := time.Now()
	s1, err := st.Create("chan-1", t0)
	require.NoError(t, err)
	s2, err := st.Create("chan-2", t0.Add(time.Second))
	require.NoError(t, err)
	s1.Update(func(s *CallSession) { s.MediaLegChannelID = "media-1" })
	s2.Update(func(s *CallSession) { s.MediaLegChannelID = "media-2" })

	st.BindMediaLeg("chan-1", "media-1")
	st.BindMediaLeg("chan-2", "media-2")

	pending := st.UnboundMediaLegSessions()
	require.Len(t, pending, 2)
	assert.Equal(t, "chan-1", pending[0].CallerChannelID)
	assert.Equal(t, "chan-2", pending[1].CallerChannelID)
}

func TestCanTransitionToTerminatingIsOneWay(t *testing.T) {
	// I4
	s := NewCallSession("chan-1", time.Now())
	s.Update(func(sess *CallSession) { sess.State = StateTerminating })
	assert.False(t, s.CanTransitionTo(StateListening))
}
