package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceagent/ari-bridge/internal/metrics"
	"github.com/voiceagent/ari-bridge/internal/playback"
	"github.com/voiceagent/ari-bridge/internal/provider"
	"github.com/voiceagent/ari-bridge/internal/session"
)

// callWorker is the one logical task per call: an event-queue-driven state
// machine. All CallSession mutations for this call happen on this goroutine.
type callWorker struct {
	e         *Engine
	channelID string
	log       *slog.Logger

	queue chan Event
	done  chan struct{}

	providerSess provider.Session
	currentUtter *playback.Utterance
	responseEndSeen bool
	playbackDoneSeen bool

	mu            sync.Mutex
	setupTimer    *time.Timer
	deadCallTimer *time.Timer
	terminated    bool
}

func newCallWorker(e *Engine, channelID string) *callWorker {
	return &callWorker{
		e:         e,
		channelID: channelID,
		log:       e.log.With("call", channelID),
		queue:     make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

func (w *callWorker) send(ev Event) {
	select {
	case w.queue <- ev:
	case <-w.done:
	}
}

func (w *callWorker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("recovered panic in call worker", "panic", r)
			if sess, ok := w.e.store.GetByCaller(w.channelID); ok {
				w.onTerminate(sess, "panic")
			} else {
				w.e.removeWorker(w.channelID)
			}
		}
	}()
	for ev := range w.queue {
		w.handle(ev)
		w.mu.Lock()
		terminated := w.terminated
		w.mu.Unlock()
		if terminated {
			return
		}
	}
}

func (w *callWorker) handle(ev Event) {
	sess, ok := w.e.store.GetByCaller(w.channelID)
	if !ok && ev.Kind != EvStasisStart {
		return
	}

	switch ev.Kind {
	case EvStasisStart:
		w.onStasisStart()
	case EvMediaFrame:
		w.onMediaFrame(sess, ev)
	case EvDTMF:
		w.onDTMF(sess, ev)
	case EvPlaybackFinished:
		w.onPlaybackFinished(sess, ev)
	case EvLocalSpeechStart:
		w.onLocalSpeechStart(sess)
	case EvSetupTimeout:
		w.onSetupTimeout(sess)
	case EvDeadCallTimeout:
		w.onTerminate(sess, "dead_call_timeout")
	case EvChannelDestroyed, EvStasisEnd:
		w.onTerminate(sess, "channel_destroyed")
	case EvFarewellRequested:
		w.onFarewellRequested(sess)
	case EvProviderEvent:
		w.onProviderEvent(sess, ev.ProviderEvent)
	}
}

// onProviderEvent drives the thinking/speaking half of the conversation
// state machine from the adapter's event stream. A
// zero-value provider.Event (the synthetic nudge queued by
// Engine.onGateReleased) has Kind == provider.EventAudioOut with a nil
// payload and is ignored here.
func (w *callWorker) onProviderEvent(sess *session.CallSession, ev provider.Event) {
	switch ev.Kind {
	case provider.EventFinalTranscript:
		sess.Update(func(s *session.CallSession) {
			if s.State == session.StateListening {
				s.State = session.StateThinking
			}
		})
	case provider.EventSpeechStart:
		var speaking bool
		sess.View(func(s *session.CallSession) { speaking = s.State == session.StateSpeaking })
		if speaking {
			w.cancelCurrentUtterance(sess)
			w.e.gate.ForceBargeIn(w.channelID)
			sess.Update(func(s *session.CallSession) {
				if s.CanTransitionTo(session.StateListening) {
					s.State = session.StateListening
				}
			})
		}
	case provider.EventResponseStart:
		sess.Update(func(s *session.CallSession) {
			if s.State == session.StateListening || s.State == session.StateThinking {
				s.State = session.StateThinking
			}
		})
		w.responseEndSeen = false
		w.playbackDoneSeen = false
	case provider.EventAudioOut:
		if len(ev.AudioOut) == 0 {
			return
		}
		if w.currentUtter == nil {
			w.beginUtterance(sess)
		}
		if w.currentUtter != nil {
			if err := w.e.playback.WriteAudio(context.Background(), w.currentUtter, ev.AudioOut); err != nil {
				w.log.Warn("playback write failed", "error", err)
			}
		}
	case provider.EventResponseEnd:
		w.endUtterance(sess)
		w.responseEndSeen = true
		w.maybeReturnToListening(sess)
	case provider.EventError:
		w.onProviderError(sess, ev)
	case provider.EventCapabilityAck, provider.EventPartialTranscript, provider.EventSpeechEnd:
		// No state transition; logged at debug for observability.
		w.log.Debug("provider event", "kind", ev.Kind)
	}
}

func (w *callWorker) beginUtterance(sess *session.CallSession) {
	mode := playback.ModeFile
	if w.e.cfg.DownstreamMode == "stream" {
		mode = playback.ModeStream
	}
	var connID string
	var rate int
	sess.View(func(s *session.CallSession) {
		connID = s.AudioSocketConnID
		rate = s.Transport.EgressSampleRate
	})
	u, err := w.e.playback.BeginResponse(w.channelID, mode, connID, rate)
	if err != nil {
		w.log.Error("failed to begin playback response", "error", err)
		return
	}
	w.currentUtter = u
	sess.Update(func(s *session.CallSession) {
		if s.CanTransitionTo(session.StateSpeaking) {
			s.State = session.StateSpeaking
		}
	})
}

func (w *callWorker) endUtterance(sess *session.CallSession) {
	if w.currentUtter == nil {
		return
	}
	u := w.currentUtter
	w.currentUtter = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.e.playback.EndResponse(ctx, u); err != nil {
		w.log.Warn("failed to finalize playback response", "error", err)
	}
}

// cancelCurrentUtterance drops an in-flight utterance on barge-in; the
// PlaybackManager's own refcount release still happens through the normal
// PlaybackFinished/watchdog path.
func (w *callWorker) cancelCurrentUtterance(sess *session.CallSession) {
	w.currentUtter = nil
}

func (w *callWorker) onProviderError(sess *session.CallSession, ev provider.Event) {
	w.log.Warn("provider error", "kind", ev.ErrKind, "error", ev.Err)
	switch ev.ErrKind {
	case provider.ErrAuth, provider.ErrProtocol, provider.ErrUnsupportedFormat:
		w.onTerminate(sess, "provider_"+ev.ErrKind.String())
	case provider.ErrCancelled:
		// Expected outcome of our own barge-in cancellation; no action.
	default:
		// Transient network / rate-limit errors are left to the adapter's
		// own retry policy; the call continues.
	}
}

func (w *callWorker) onStasisStart() {
	ctx, cancel := context.WithTimeout(context.Background(), w.e.cfg.ProviderRequestTimeout)
	defer cancel()

	now := time.Now()
	sess, err := w.e.store.Create(w.channelID, now)
	if err != nil {
		w.log.Warn("duplicate StasisStart, ignoring", "error", err)
		return
	}

	w.armSetupTimeout()

	if err := w.e.ari.AnswerChannel(ctx, w.channelID); err != nil {
		w.log.Error("failed to answer channel", "error", err)
		w.onTerminate(sess, "answer_failed")
		return
	}

	bridgeID, err := w.e.ari.CreateBridge(ctx)
	if err != nil {
		w.log.Error("failed to create bridge", "error", err)
		w.onTerminate(sess, "bridge_create_failed")
		return
	}
	if err := w.e.ari.AddChannelToBridge(ctx, bridgeID, w.channelID); err != nil {
		w.log.Error("failed to add caller to bridge", "error", err)
		w.onTerminate(sess, "bridge_join_failed")
		return
	}

	profile := w.transportProfile()
	caps := w.e.adapter.Capabilities()
	if !provider.SupportsRate(caps.SupportedEgressRates, profile.EgressSampleRate) && len(caps.SupportedEgressRates) > 0 {
		// S6: capability mismatch never reaches greeting.
		w.log.Warn("provider does not support egress rate, rejecting call",
			"egressRate", profile.EgressSampleRate)
		sess.Update(func(s *session.CallSession) { s.BridgeID = bridgeID })
		w.onTerminate(sess, "unsupported_format")
		return
	}

	mediaDest := fmt.Sprintf("%s:%d", "127.0.0.1", w.e.cfg.AudioSocketPort)
	mediaFormat := "slin16"
	if w.e.cfg.AudioTransport == "rtp" {
		mediaFormat = "ulaw"
	}
	mediaLegID, err := w.e.ari.OriginateExternalMedia(ctx, mediaDest, mediaFormat)
	if err != nil {
		w.log.Error("failed to originate external media", "error", err)
		w.onTerminate(sess, "media_originate_failed")
		return
	}
	if err := w.e.ari.AddChannelToBridge(ctx, bridgeID, mediaLegID); err != nil {
		w.log.Error("failed to add media leg to bridge", "error", err)
		w.onTerminate(sess, "bridge_join_failed")
		return
	}
	w.e.store.BindMediaLeg(w.channelID, mediaLegID)

	sess.Update(func(s *session.CallSession) {
		s.BridgeID = bridgeID
		s.MediaLegChannelID = mediaLegID
		s.Transport = profile
	})

	providerSess, err := w.e.adapter.Open(ctx, profile, w.channelID)
	if err != nil {
		w.log.Error("failed to open provider session", "error", err)
		w.onTerminate(sess, "provider_open_failed")
		return
	}
	w.providerSess = providerSess
	go w.pumpProviderEvents(providerSess)

	sess.Update(func(s *session.CallSession) { s.State = session.StateGreeting })
	w.startGreeting(sess)
}

func (w *callWorker) transportProfile() session.TransportProfile {
	egressRate := 16000
	egressFormat := "pcm16"
	if w.e.cfg.AudioTransport == "rtp" {
		egressFormat = "ulaw"
		egressRate = 8000
	}
	return session.TransportProfile{
		IngressFormat:     "pcm16",
		IngressSampleRate: 16000,
		EgressFormat:      egressFormat,
		EgressSampleRate:  egressRate,
		ChunkMs:           20,
	}
}

func (w *callWorker) startGreeting(sess *session.CallSession) {
	if w.e.cfg.GreetingText == "" {
		sess.Update(func(s *session.CallSession) { s.State = session.StateListening })
		w.e.gate.SetCaptureEnabled(w.channelID, true)
		return
	}
	// The greeting is handed to the active provider session as text followed
	// by an explicit response request; here the Engine only requests it. The
	// pipeline orchestrator treats FeedText and RequestResponse as no-ops, so
	// a pipeline-composed adapter produces no greeting audio.
	ctx := context.Background()
	if w.providerSess != nil {
		if err := w.providerSess.FeedText(ctx, w.e.cfg.GreetingText); err != nil {
			w.log.Error("failed to feed greeting text", "error", err)
		}
		if err := w.providerSess.RequestResponse(ctx); err != nil {
			w.log.Error("failed to request greeting response", "error", err)
		}
	}
}

func (w *callWorker) pumpProviderEvents(sess provider.Session) {
	for ev := range sess.Events() {
		w.send(Event{Kind: EvProviderEvent, CallerChannelID: w.channelID, ProviderEvent: ev})
	}
}

func (w *callWorker) onMediaFrame(sess *session.CallSession, ev Event) {
	w.resetDeadCallTimer(sess)

	capturing := w.e.gate.AllowFrame(w.channelID, false)
	if !capturing {
		metrics.DroppedFrames.WithLabelValues("gated").Inc()
		return
	}
	sess.Update(func(s *session.CallSession) { s.LastInboundAudioAt = time.Now() })
	if w.providerSess != nil {
		if err := w.providerSess.FeedAudio(context.Background(), ev.MediaPCM16); err != nil {
			w.log.Warn("failed to feed audio to provider", "error", err)
		}
	}
}

func (w *callWorker) onDTMF(sess *session.CallSession, ev Event) {
	if ev.DTMFDigit == 0 {
		return
	}
	// Bracketed so adapters without dedicated DTMF handling still get a
	// usable signal in the transcript stream.
	if w.providerSess != nil {
		bracketed := "[DTMF:" + string(ev.DTMFDigit) + "]"
		if err := w.providerSess.FeedText(context.Background(), bracketed); err != nil {
			w.log.Warn("failed to feed DTMF digit to provider", "error", err)
		}
	}
}

func (w *callWorker) onPlaybackFinished(sess *session.CallSession, ev Event) {
	w.e.playback.OnPlaybackFinished(ev.PlaybackID)
	w.playbackDoneSeen = true
	w.maybeReturnToListening(sess)
}

func (w *callWorker) maybeReturnToListening(sess *session.CallSession) {
	if w.responseEndSeen && w.playbackDoneSeen {
		w.responseEndSeen = false
		w.playbackDoneSeen = false
		sess.Update(func(s *session.CallSession) {
			if s.CanTransitionTo(session.StateListening) {
				s.State = session.StateListening
			}
		})
	}
}

func (w *callWorker) onLocalSpeechStart(sess *session.CallSession) {
	var speaking bool
	sess.View(func(s *session.CallSession) { speaking = s.State == session.StateSpeaking })
	if speaking {
		w.e.gate.ForceBargeIn(w.channelID)
		sess.Update(func(s *session.CallSession) {
			if s.CanTransitionTo(session.StateListening) {
				s.State = session.StateListening
			}
		})
	}
}

func (w *callWorker) onFarewellRequested(sess *session.CallSession) {
	sess.Update(func(s *session.CallSession) { s.FarewellPending = true })
}

func (w *callWorker) onSetupTimeout(sess *session.CallSession) {
	var reachedConversation bool
	sess.View(func(s *session.CallSession) {
		reachedConversation = s.State == session.StateListening || s.State == session.StateSpeaking
	})
	if !reachedConversation {
		w.onTerminate(sess, "setup_timeout")
	}
}

// onTerminate tears a call down in order: provider session first, then the
// media-leg channel, the caller channel and the bridge, then SessionStore
// indices. In-flight playbacks are not stopped and their staged media files
// are not deleted here. Idempotent — a second call is a no-op.
func (w *callWorker) onTerminate(sess *session.CallSession, reason string) {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return
	}
	w.terminated = true
	w.mu.Unlock()

	w.cancelTimers()

	sess.Update(func(s *session.CallSession) { s.State = session.StateTerminating })

	if w.providerSess != nil {
		if err := w.providerSess.Close(); err != nil {
			w.log.Warn("error closing provider session", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var bridgeID, mediaLegID string
	sess.View(func(s *session.CallSession) {
		bridgeID = s.BridgeID
		mediaLegID = s.MediaLegChannelID
		if s.MediaBinding.Kind == session.BindingRTP {
			w.e.rtp.Forget(s.MediaBinding.SSRC)
		}
	})
	if mediaLegID != "" {
		if err := w.e.ari.HangupChannel(ctx, mediaLegID); err != nil {
			w.log.Warn("error hanging up media leg", "error", err)
		}
	}
	if err := w.e.ari.HangupChannel(ctx, w.channelID); err != nil {
		w.log.Warn("error hanging up caller channel", "error", err)
	}
	if bridgeID != "" {
		if err := w.e.ari.DeleteBridge(ctx, bridgeID); err != nil {
			w.log.Warn("error deleting bridge", "error", err)
		}
	}

	w.e.store.Delete(w.channelID)
	w.e.removeWorker(w.channelID)
	metrics.CallsTerminated.WithLabelValues(reason).Inc()
}

func (w *callWorker) armSetupTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setupTimer = time.AfterFunc(w.e.cfg.SetupTimeout, func() {
		w.send(Event{Kind: EvSetupTimeout, CallerChannelID: w.channelID})
	})
}

func (w *callWorker) resetDeadCallTimer(sess *session.CallSession) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return
	}
	if w.deadCallTimer != nil {
		w.deadCallTimer.Stop()
	}
	w.deadCallTimer = time.AfterFunc(w.e.cfg.DeadCallTimeout, func() {
		w.send(Event{Kind: EvDeadCallTimeout, CallerChannelID: w.channelID})
	})
}

func (w *callWorker) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.setupTimer != nil {
		w.setupTimer.Stop()
	}
	if w.deadCallTimer != nil {
		w.deadCallTimer.Stop()
	}
}
