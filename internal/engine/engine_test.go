package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceagent/ari-bridge/internal/ari"
	"github.com/voiceagent/ari-bridge/internal/audiosocket"
	"github.com/voiceagent/ari-bridge/internal/config"
	"github.com/voiceagent/ari-bridge/internal/gating"
	"github.com/voiceagent/ari-bridge/internal/health"
	"github.com/voiceagent/ari-bridge/internal/playback"
	"github.com/voiceagent/ari-bridge/internal/provider"
	"github.com/voiceagent/ari-bridge/internal/rtpserver"
	"github.com/voiceagent/ari-bridge/internal/session"
)

type stubSession struct {
	events chan provider.Event
}

func (s *stubSession) FeedAudio(ctx context.Context, pcm16 []byte) error { return nil }
func (s *stubSession) FeedText(ctx context.Context, text string) error  { return nil }
func (s *stubSession) RequestResponse(ctx context.Context) error        { return nil }
func (s *stubSession) Events() <-chan provider.Event                    { return s.events }
func (s *stubSession) Close() error                                     { return nil }

type stubAdapter struct {
	caps   provider.Capabilities
	failOpen bool
}

func (a *stubAdapter) Capabilities() provider.Capabilities { return a.caps }

func (a *stubAdapter) Open(ctx context.Context, profile session.TransportProfile, callID string) (provider.Session, error) {
	if a.failOpen {
		return nil, assertErr
	}
	return &stubSession{events: make(chan provider.Event, 8)}, nil
}

var assertErr = errStub("stub open failure")

type errStub string

func (e errStub) Error() string { return string(e) }

func newTestEngine(t *testing.T, adapter provider.Adapter) (*Engine, *session.Store) {
	t.Helper()
	var seq int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		n := atomic.AddInt64(&seq, 1)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/bridges":
			fmt.Fprintf(w, `{"id":"bridge-%d"}`, n)
		case r.Method == http.MethodPost && r.URL.Path == "/channels/externalMedia":
			fmt.Fprintf(w, `{"id":"media-%d"}`, n)
		default:
			fmt.Fprintf(w, `{"id":"ok-%d"}`, n)
		}
	}))
	t.Cleanup(srv.Close)

	log := slog.Default()
	store := session.New()
	gate := gating.New(log, store)
	ariClient := ari.New(ari.Config{BaseURL: srv.URL, Username: "u", Password: "p", AppName: "app"}, log)
	audioSock := audiosocket.New(log, func(string, audiosocket.Event) {})
	rtp := rtpserver.New(log, "127.0.0.1:0", func(bool, rtpserver.Frame) {})
	playbackMgr := playback.New(log, playback.Config{MediaDir: t.TempDir(), WatchdogTimeout: time.Minute}, ariClient, audioSock, gate, store)
	reporter := health.NewReporter()

	cfg := config.Config{
		AudioTransport:        "audiosocket",
		DownstreamMode:        "stream",
		AudioSocketPort:       9092,
		SetupTimeout:          time.Minute,
		DeadCallTimeout:       time.Minute,
		ProviderRequestTimeout: 5 * time.Second,
		ShutdownDrain:         time.Second,
	}

	e := New(log, cfg, ariClient, store, gate, playbackMgr, rtp, audioSock, adapter, reporter)
	e.RegisterARIHandlers()
	return e, store
}

func waitForWorkerCount(t *testing.T, e *Engine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		count := len(e.calls)
		e.mu.Unlock()
		if count == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d workers", n)
}

func stasisStartEvent(channelID string) ari.Event {
	return ari.Event{Type: "StasisStart", Raw: map[string]any{
		"channel": map[string]any{"id": channelID},
	}}
}

func TestCapabilityMismatchTerminatesBeforeGreeting(t *testing.T) {
	adapter := &stubAdapter{caps: provider.Capabilities{SupportedEgressRates: []int{48000}}}
	e, store := newTestEngine(t, adapter)

	e.ari.Dispatch(stasisStartEvent("chan-1"))
	waitForWorkerCount(t, e, 0)

	_, ok := store.GetByCaller("chan-1")
	assert.False(t, ok, "rejected call must not leave a session behind")
}

func TestCrossCallIsolation(t *testing.T) {
	adapter := &stubAdapter{caps: provider.Capabilities{}}
	e, store := newTestEngine(t, adapter)

	e.ari.Dispatch(stasisStartEvent("chan-a"))
	e.ari.Dispatch(stasisStartEvent("chan-b"))
	waitForWorkerCount(t, e, 2)

	sessA, okA := store.GetByCaller("chan-a")
	sessB, okB := store.GetByCaller("chan-b")
	require.True(t, okA)
	require.True(t, okB)
	assert.NotEqual(t, sessA.CallerChannelID, sessB.CallerChannelID)

	e.ari.Dispatch(ari.Event{Type: "ChannelDestroyed", Raw: map[string]any{"channel": map[string]any{"id": "chan-a"}}})
	waitForWorkerCount(t, e, 1)

	_, okA = store.GetByCaller("chan-a")
	_, okB = store.GetByCaller("chan-b")
	assert.False(t, okA)
	assert.True(t, okB, "terminating one call must not affect another")
}

func TestDuplicateChannelDestroyedIsNoOp(t *testing.T) {
	adapter := &stubAdapter{caps: provider.Capabilities{}}
	e, store := newTestEngine(t, adapter)

	e.ari.Dispatch(stasisStartEvent("chan-1"))
	waitForWorkerCount(t, e, 1)

	destroyed := ari.Event{Type: "ChannelDestroyed", Raw: map[string]any{"channel": map[string]any{"id": "chan-1"}}}
	e.ari.Dispatch(destroyed)
	waitForWorkerCount(t, e, 0)

	// A second, late ChannelDestroyed for the same (now gone) channel must
	// not panic and must not resurrect a session (L3).
	e.ari.Dispatch(destroyed)
	time.Sleep(20 * time.Millisecond)
	_, ok := store.GetByCaller("chan-1")
	assert.False(t, ok)
}

func TestEnqueueByPlaybackDropsUnknownID(t *testing.T) {
	adapter := &stubAdapter{caps: provider.Capabilities{}}
	e, _ := newTestEngine(t, adapter)

	// Must not panic when routing a PlaybackFinished for an id nobody
	// registered (boundary behavior / L4).
	e.ari.Dispatch(ari.Event{Type: "PlaybackFinished", Raw: map[string]any{
		"playback": map[string]any{"id": "never-registered"},
	}})
}
