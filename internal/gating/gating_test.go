package gating

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceagent/ari-bridge/internal/session"
)

func TestAllowFrameRespectsGate(t *testing.T) {
	store := session.New()
	_, err := store.Create("chan-1", time.Now())
	require.NoError(t, err)

	c := New(slog.Default(), store)
	assert.True(t, c.AllowFrame("chan-1", false), "capture starts enabled per I1")

	c.SetCaptureEnabled("chan-1", false)
	assert.False(t, c.AllowFrame("chan-1", false))
	assert.True(t, c.AllowFrame("chan-1", true), "first barge-in frame is always kept")
}

func TestSetCaptureEnabledFiresReleaseHookOnlyOnTransition(t *testing.T) {
	store := session.New()
	_, err := store.Create("chan-1", time.Now())
	require.NoError(t, err)

	c := New(slog.Default(), store)
	var fired int
	c.OnRelease(func(callerID string) { fired++ })

	c.SetCaptureEnabled("chan-1", false)
	assert.Equal(t, 0, fired)

	c.SetCaptureEnabled("chan-1", true)
	assert.Equal(t, 1, fired)

	// Already enabled: no further transition, no further fire.
	c.SetCaptureEnabled("chan-1", true)
	assert.Equal(t, 1, fired)
}

func TestForceBargeInOverridesGate(t *testing.T) {
	store := session.New()
	_, err := store.Create("chan-1", time.Now())
	require.NoError(t, err)

	c := New(slog.Default(), store)
	c.SetCaptureEnabled("chan-1", false)
	c.ForceBargeIn("chan-1")
	assert.True(t, c.AllowFrame("chan-1", false))
}
