package playback

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceagent/ari-bridge/internal/ari"
	"github.com/voiceagent/ari-bridge/internal/gating"
	"github.com/voiceagent/ari-bridge/internal/session"
)

func newTestManager(t *testing.T, watchdog time.Duration) (*Manager, *session.Store, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pb-1"}`))
	}))
	t.Cleanup(srv.Close)

	store := session.New()
	sess, err := store.Create("chan-1", time.Now())
	require.NoError(t, err)
	sess.Update(func(s *session.CallSession) { s.BridgeID = "bridge-1" })

	ariClient := ari.New(ari.Config{BaseURL: srv.URL, Username: "u", Password: "p", AppName: "app"}, slog.Default())
	gate := gating.New(slog.Default(), store)

	dir := t.TempDir()
	m := New(slog.Default(), Config{MediaDir: dir, WatchdogTimeout: watchdog}, ariClient, nil, gate, store)
	return m, store, dir
}

func TestBeginResponseClosesGateOnFirstAcquire(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	sess, _ := store.GetByCaller("chan-1")

	u, err := m.BeginResponse("chan-1", ModeFile, "", 8000)
	require.NoError(t, err)
	require.NotNil(t, u)

	var enabled bool
	sess.View(func(s *session.CallSession) { enabled = s.AudioCaptureEnable })
	assert.False(t, enabled, "gate closes on first ResponseStart acquire (I1)")
}

func TestFileModeRegistersPlaybackBeforeReturning(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)

	u, err := m.BeginResponse("chan-1", ModeFile, "", 8000)
	require.NoError(t, err)
	require.NoError(t, m.WriteAudio(context.Background(), u, []byte{1, 2, 3, 4}))
	require.NoError(t, m.EndResponse(context.Background(), u))

	assert.True(t, store.PlaybackExists("pb-1"))
}

func TestOnPlaybackFinishedReleasesGateAndDeletesFile(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	sess, _ := store.GetByCaller("chan-1")

	u, err := m.BeginResponse("chan-1", ModeFile, "", 8000)
	require.NoError(t, err)
	require.NoError(t, m.WriteAudio(context.Background(), u, []byte{1, 2, 3, 4}))
	require.NoError(t, m.EndResponse(context.Background(), u))

	path := u.tmpPath
	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "file must exist until PlaybackFinished")

	m.OnPlaybackFinished("pb-1")

	var enabled bool
	sess.View(func(s *session.CallSession) { enabled = s.AudioCaptureEnable })
	assert.True(t, enabled)

	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file must be deleted after PlaybackFinished")
}

func TestDuplicatePlaybackFinishedIsNoOp(t *testing.T) {
	// L4
	m, _, _ := newTestManager(t, time.Minute)

	u, err := m.BeginResponse("chan-1", ModeFile, "", 8000)
	require.NoError(t, err)
	require.NoError(t, m.WriteAudio(context.Background(), u, []byte{1, 2, 3, 4}))
	require.NoError(t, m.EndResponse(context.Background(), u))

	assert.NotPanics(t, func() {
		m.OnPlaybackFinished("pb-1")
		m.OnPlaybackFinished("pb-1")
	})
}

func TestWatchdogForcesReleaseWhenPlaybackFinishedNeverArrives(t *testing.T) {
	// S3
	m, store, _ := newTestManager(t, 20*time.Millisecond)
	sess, _ := store.GetByCaller("chan-1")

	u, err := m.BeginResponse("chan-1", ModeFile, "", 8000)
	require.NoError(t, err)
	require.NoError(t, m.WriteAudio(context.Background(), u, []byte{1, 2, 3, 4}))
	require.NoError(t, m.EndResponse(context.Background(), u))

	require.Eventually(t, func() bool {
		var enabled bool
		sess.View(func(s *session.CallSession) { enabled = s.AudioCaptureEnable })
		return enabled
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), m.WatchdogFireCount())
}
