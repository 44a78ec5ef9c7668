// Package gating implements the GatingCoordinator: the
// single authority for audioCaptureEnabled / ttsPlaying per call, consulted
// by the RTP and AudioSocket ingress paths before any frame reaches a
// provider.
package gating

import (
	"log/slog"
	"sync"

	"github.com/voiceagent/ari-bridge/internal/session"
)

// Coordinator is the process-wide singleton gating authority.
type Coordinator struct {
	log   *slog.Logger
	store *session.Store

	mu        sync.Mutex
	onRelease func(callerID string) // TTSGateReleased hook, e.g. metrics/Engine
}

func New(log *slog.Logger, store *session.Store) *Coordinator {
	return &Coordinator{log: log.With("component", "gating"), store: store}
}

// OnRelease registers a callback invoked when SetCaptureEnabled opens a
// call's gate (audioCaptureEnabled transitions false -> true). ForceBargeIn
// opens the gate without invoking it.
func (c *Coordinator) OnRelease(fn func(callerID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRelease = fn
}

// SetCaptureEnabled is the single place audioCaptureEnabled is written. It
// is called by PlaybackManager's refcount discipline, never directly by
// ingress code.
func (c *Coordinator) SetCaptureEnabled(callerID string, enabled bool) {
	sess, ok := c.store.GetByCaller(callerID)
	if !ok {
		return
	}
	var wasEnabled bool
	sess.Update(func(s *session.CallSession) {
		wasEnabled = s.AudioCaptureEnable
		s.AudioCaptureEnable = enabled
	})
	if enabled && !wasEnabled {
		c.mu.Lock()
		hook := c.onRelease
		c.mu.Unlock()
		if hook != nil {
			hook(callerID)
		}
	}
}

// ForceBargeIn immediately sets audioCaptureEnabled = true regardless of
// refcount, used when local VAD detects a confident speech onset while the
// agent is speaking.
func (c *Coordinator) ForceBargeIn(callerID string) {
	sess, ok := c.store.GetByCaller(callerID)
	if !ok {
		return
	}
	sess.Update(func(s *session.CallSession) { s.AudioCaptureEnable = true })
}

// AllowFrame reports whether an ingress frame for callerID should be
// forwarded to the provider right now. isFirstBargeInFrame must be true
// only for the single frame that triggered a detected barge-in — that
// frame is always kept to seed the provider's VAD even though the gate was
// still technically closed when it arrived.
func (c *Coordinator) AllowFrame(callerID string, isFirstBargeInFrame bool) bool {
	if isFirstBargeInFrame {
		return true
	}
	sess, ok := c.store.GetByCaller(callerID)
	if !ok {
		return false
	}
	var enabled bool
	sess.View(func(s *session.CallSession) { enabled = s.AudioCaptureEnable })
	return enabled
}
