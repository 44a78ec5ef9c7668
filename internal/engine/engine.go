// Package engine implements the conversation state machine: it owns the
// per-call event queue, drives CallSession transitions, and is the only
// component that mutates a session's conversation state.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceagent/ari-bridge/internal/ari"
	"github.com/voiceagent/ari-bridge/internal/audiosocket"
	"github.com/voiceagent/ari-bridge/internal/config"
	"github.com/voiceagent/ari-bridge/internal/gating"
	"github.com/voiceagent/ari-bridge/internal/health"
	"github.com/voiceagent/ari-bridge/internal/metrics"
	"github.com/voiceagent/ari-bridge/internal/playback"
	"github.com/voiceagent/ari-bridge/internal/provider"
	"github.com/voiceagent/ari-bridge/internal/rtpserver"
	"github.com/voiceagent/ari-bridge/internal/session"
)

const quarantineDuration = 5 * time.Second

// Engine is the process-wide singleton conversation controller.
type Engine struct {
	log      *slog.Logger
	cfg      config.Config
	ari      *ari.Client
	store    *session.Store
	gate     *gating.Coordinator
	playback *playback.Manager
	rtp      *rtpserver.Server
	audioSock *audiosocket.Server
	adapter  provider.Adapter
	health   *health.Reporter

	mu    sync.Mutex
	calls map[string]*callWorker

	quarantine map[uint32]time.Time
	qMu        sync.Mutex
}

// New wires the Engine to its shared singleton components. adapter is the
// already-selected ProviderAdapter (monolithic, or a PipelineOrchestrator
// composed from STT/LLM/TTS sub-adapters) chosen by the caller from the
// process configuration.
func New(
	log *slog.Logger,
	cfg config.Config,
	ariClient *ari.Client,
	store *session.Store,
	gate *gating.Coordinator,
	playbackMgr *playback.Manager,
	rtp *rtpserver.Server,
	audioSock *audiosocket.Server,
	adapter provider.Adapter,
	healthReporter *health.Reporter,
) *Engine {
	e := &Engine{
		log:        log.With("component", "engine"),
		cfg:        cfg,
		ari:        ariClient,
		store:      store,
		gate:       gate,
		playback:   playbackMgr,
		rtp:        rtp,
		audioSock:  audioSock,
		adapter:    adapter,
		health:     healthReporter,
		calls:      make(map[string]*callWorker),
		quarantine: make(map[uint32]time.Time),
	}
	gate.OnRelease(e.onGateReleased)
	return e
}

// RegisterARIHandlers wires ARI event types to Engine dispatch. Called once
// at startup, before ari.Client.Run.
func (e *Engine) RegisterARIHandlers() {
	e.ari.OnEvent("StasisStart", func(ev ari.Event) {
		channelID, ok := channelIDFromEvent(ev)
		if !ok {
			return
		}
		e.enqueueOrCreate(channelID, Event{Kind: EvStasisStart, CallerChannelID: channelID})
	})
	e.ari.OnEvent("ChannelDestroyed", func(ev ari.Event) {
		channelID, ok := channelIDFromEvent(ev)
		if !ok {
			return
		}
		e.enqueueByAnyChannel(channelID, Event{Kind: EvChannelDestroyed, CallerChannelID: channelID})
	})
	e.ari.OnEvent("StasisEnd", func(ev ari.Event) {
		channelID, ok := channelIDFromEvent(ev)
		if !ok {
			return
		}
		e.enqueueByAnyChannel(channelID, Event{Kind: EvStasisEnd, CallerChannelID: channelID})
	})
	e.ari.OnEvent("PlaybackFinished", func(ev ari.Event) {
		playbackID, ok := stringField(ev.Raw, "playback", "id")
		if !ok {
			return
		}
		e.enqueueByPlayback(playbackID, Event{Kind: EvPlaybackFinished, PlaybackID: playbackID})
	})
	e.ari.OnEvent("ChannelDtmfReceived", func(ev ari.Event) {
		channelID, ok := channelIDFromEvent(ev)
		if !ok {
			return
		}
		digit, _ := ev.Raw["digit"].(string)
		var b byte
		if len(digit) == 1 {
			b = digit[0]
		}
		e.enqueueByAnyChannel(channelID, Event{Kind: EvDTMF, CallerChannelID: channelID, DTMFDigit: b})
	})
}

func channelIDFromEvent(ev ari.Event) (string, bool) {
	return stringField(ev.Raw, "channel", "id")
}

func stringField(raw map[string]any, objKey, field string) (string, bool) {
	obj, ok := raw[objKey].(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := obj[field].(string)
	return v, ok
}

// OnRTPFrame is the callback registered with rtpserver.Server. Unbound
// SSRCs are resolved against sessions whose media leg exists but has no
// binding yet (oldest-wins); if none match, the SSRC is quarantined for 5s
// before being discarded.
func (e *Engine) OnRTPFrame(newFlow bool, frame rtpserver.Frame) {
	sess, ok := e.store.GetBySSRC(frame.SSRC)
	if !ok {
		sess, ok = e.resolveUnboundSSRC(frame.SSRC)
		if !ok {
			metrics.DroppedFrames.WithLabelValues("unbound_ssrc").Inc()
			return
		}
	}
	e.enqueue(sess.CallerChannelID, Event{
		Kind:          EvMediaFrame,
		CallerChannelID: sess.CallerChannelID,
		MediaPCM16:    frame.PCM16At16k,
		LikelySilence: frame.LikelySilence,
	})
}

func (e *Engine) resolveUnboundSSRC(ssrc uint32) (*session.CallSession, bool) {
	e.qMu.Lock()
	if quarantinedAt, exists := e.quarantine[ssrc]; exists {
		if time.Since(quarantinedAt) > quarantineDuration {
			delete(e.quarantine, ssrc)
		}
		e.qMu.Unlock()
		return nil, false
	}
	e.qMu.Unlock()

	pending := e.store.UnboundMediaLegSessions()
	if len(pending) == 0 {
		e.qMu.Lock()
		if _, exists := e.quarantine[ssrc]; !exists {
			e.quarantine[ssrc] = time.Now()
		}
		e.qMu.Unlock()
		metrics.QuarantineDiscards.Inc()
		return nil, false
	}
	oldest := pending[0]
	e.store.BindSSRC(oldest.CallerChannelID, ssrc)
	return oldest, true
}

// OnAudioSocketEvent is the callback registered with audiosocket.Server.
func (e *Engine) OnAudioSocketEvent(connID string, ev audiosocket.Event) {
	switch ev.Kind {
	case audiosocket.EventUUIDHandshake:
		sess, ok := e.store.GetByUUID(ev.UUID)
		if !ok {
			// First handshake for this call: resolve against whichever
			// session has an external media leg but no binding yet, the
			// same oldest-wins tie-break used for unbound RTP SSRCs.
			pending := e.store.UnboundMediaLegSessions()
			if len(pending) == 0 {
				metrics.QuarantineDiscards.Inc()
				return
			}
			sess = pending[0]
			if !e.store.BindUUID(sess.CallerChannelID, ev.UUID) {
				return
			}
		}
		e.store.BindAudioSocketConnID(sess.CallerChannelID, connID)
	case audiosocket.EventAudio:
		sess, ok := e.store.GetByUUID(ev.UUID)
		if !ok {
			return
		}
		e.enqueue(sess.CallerChannelID, Event{Kind: EvMediaFrame, CallerChannelID: sess.CallerChannelID, MediaPCM16: ev.PCM16})
	case audiosocket.EventDTMF:
		sess, ok := e.store.GetByUUID(ev.UUID)
		if !ok {
			return
		}
		e.enqueue(sess.CallerChannelID, Event{Kind: EvDTMF, CallerChannelID: sess.CallerChannelID, DTMFDigit: ev.DTMFDigit})
	case audiosocket.EventTerminate:
		sess, ok := e.store.GetByUUID(ev.UUID)
		if !ok {
			return
		}
		e.enqueue(sess.CallerChannelID, Event{Kind: EvStasisEnd, CallerChannelID: sess.CallerChannelID})
	}
}

// enqueueOrCreate handles StasisStart by creating a new session and its
// worker if one does not already exist for this channel.
func (e *Engine) enqueueOrCreate(channelID string, ev Event) {
	e.mu.Lock()
	w, exists := e.calls[channelID]
	if !exists {
		w = newCallWorker(e, channelID)
		e.calls[channelID] = w
		go w.run()
	}
	e.mu.Unlock()
	w.send(ev)
}

func (e *Engine) enqueueByAnyChannel(channelID string, ev Event) {
	if sess, ok := e.store.GetByCaller(channelID); ok {
		e.enqueue(sess.CallerChannelID, ev)
		return
	}
	if sess, ok := e.store.GetByMediaLeg(channelID); ok {
		e.enqueue(sess.CallerChannelID, ev)
		return
	}
	// Late event for an already-terminated/unknown call: dropped silently
	// with a counter.
	metrics.LateProviderEvents.Inc()
}

func (e *Engine) enqueueByPlayback(playbackID string, ev Event) {
	callerID, ok := e.store.LookupPlaybackCaller(playbackID)
	if !ok {
		// Unknown or already-completed playbackId: dropped with a counter,
		// not an error (L4, boundary behavior).
		metrics.DuplicatePlaybackEvents.Inc()
		return
	}
	e.enqueue(callerID, ev)
}

func (e *Engine) enqueue(callerChannelID string, ev Event) {
	e.mu.Lock()
	w, ok := e.calls[callerChannelID]
	e.mu.Unlock()
	if !ok {
		metrics.LateProviderEvents.Inc()
		return
	}
	w.send(ev)
}

func (e *Engine) onGateReleased(callerChannelID string) {
	e.enqueue(callerChannelID, Event{Kind: EvProviderEvent})
}

func (e *Engine) removeWorker(callerChannelID string) {
	e.mu.Lock()
	delete(e.calls, callerChannelID)
	e.mu.Unlock()
	e.health.SetActiveCalls(e.store.Count())
}

// Shutdown drains active calls up to cfg.ShutdownDrain, then force-terminates
// whatever remains.
func (e *Engine) Shutdown(ctx context.Context) {
	deadline := time.Now().Add(e.cfg.ShutdownDrain)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.calls)
		e.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.mu.Lock()
	workers := make([]*callWorker, 0, len(e.calls))
	for _, w := range e.calls {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		w.send(Event{Kind: EvChannelDestroyed, CallerChannelID: w.channelID})
	}
}
