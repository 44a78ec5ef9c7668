// Package pipeline implements the PipelineOrchestrator: a
// synthetic monolithic provider.Adapter assembled from separate STT, LLM,
// and TTS sub-adapters, driven by a sentence-boundary producer/consumer
// loop between the LLM and TTS legs.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/voiceagent/ari-bridge/internal/provider"
	"github.com/voiceagent/ari-bridge/internal/session"
)

// STTEventKind enumerates the speech-to-text sub-adapter's output stream.
type STTEventKind int

const (
	STTPartialTranscript STTEventKind = iota
	STTFinalTranscript
	STTSpeechStart
	STTSpeechEnd
	STTError
)

type STTEvent struct {
	Kind provider.EventKind
	Text string
	Err  error
}

// STTSession is a streaming or batch speech-to-text leg. Batch
// implementations emit only FinalTranscript, on an internally-buffered
// utterance flushed at local VAD speech-end.
type STTSession interface {
	FeedAudio(ctx context.Context, pcm16 []byte) error
	Events() <-chan provider.Event
	Close() error
}

// STTAdapter opens STT sessions.
type STTAdapter interface {
	Open(ctx context.Context, profile session.TransportProfile, callID string) (STTSession, error)
}

// LLMSession is one conversational turn source: text in, token deltas and a
// final end-of-turn marker out.
type LLMSession interface {
	SendUserText(ctx context.Context, text string) error
	Events() <-chan provider.Event
	Cancel() error
	Close() error
}

// LLMAdapter opens LLM sessions.
type LLMAdapter interface {
	Open(ctx context.Context, callID string) (LLMSession, error)
}

// TTSSession synthesizes one utterance of text into an AudioOut stream.
type TTSSession interface {
	Synthesize(ctx context.Context, text string) error
	Events() <-chan provider.Event
	Cancel() error
	Close() error
}

// TTSAdapter opens TTS sessions.
type TTSAdapter interface {
	Open(ctx context.Context, profile session.TransportProfile, callID string) (TTSSession, error)
}

// Adapter composes three sub-adapters into a single provider.Adapter.
type Adapter struct {
	log  *slog.Logger
	stt  STTAdapter
	llm  LLMAdapter
	tts  TTSAdapter
	caps provider.Capabilities
}

// New builds a composed Adapter. Capabilities always report
// serverSideTurnDetection=false and isMonolithic=false: the Engine still
// drives local VAD for this family.
func New(log *slog.Logger, stt STTAdapter, llm LLMAdapter, tts TTSAdapter) *Adapter {
	return &Adapter{
		log: log.With("component", "pipeline"),
		stt: stt,
		llm: llm,
		tts: tts,
		caps: provider.Capabilities{
			ServerSideTurnDetection: false,
			IsMonolithic:            false,
		},
	}
}

func (a *Adapter) Capabilities() provider.Capabilities { return a.caps }

func (a *Adapter) Open(ctx context.Context, profile session.TransportProfile, callID string) (provider.Session, error) {
	sttSess, err := a.stt.Open(ctx, profile, callID)
	if err != nil {
		return nil, err
	}
	llmSess, err := a.llm.Open(ctx, callID)
	if err != nil {
		sttSess.Close()
		return nil, err
	}
	ttsSess, err := a.tts.Open(ctx, profile, callID)
	if err != nil {
		sttSess.Close()
		llmSess.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &orchestratorSession{
		log:       a.log.With("call", callID),
		ctx:       ctx,
		cancelAll: cancel,
		stt:       sttSess,
		llm:       llmSess,
		tts:       ttsSess,
		out:       make(chan provider.Event, 16),
	}
	go s.pumpSTT()
	return s, nil
}

// orchestratorSession is the synthetic monolithic Session built from the
// three sub-adapters.
type orchestratorSession struct {
	log       *slog.Logger
	ctx       context.Context
	cancelAll context.CancelFunc

	stt STTSession
	llm LLMSession
	tts TTSSession
	out chan provider.Event

	mu               sync.Mutex
	responseInFlight bool
	queuedTranscript string
	hasQueued        bool
	turnCancel       context.CancelFunc

	closeOnce sync.Once
}

func (s *orchestratorSession) FeedAudio(ctx context.Context, pcm16 []byte) error {
	return s.stt.FeedAudio(ctx, pcm16)
}

// FeedText is not meaningful for a pipeline session; the STT leg is the
// only text source. Implemented as a no-op to satisfy provider.Session.
func (s *orchestratorSession) FeedText(ctx context.Context, text string) error { return nil }

// RequestResponse is a no-op: pipeline turns are driven by FinalTranscript,
// never by explicit request — that is meaningful only for adapters without
// server-side turn detection that still receive an explicit nudge;
// STT/LLM/TTS pipelines nudge themselves off VAD.
func (s *orchestratorSession) RequestResponse(ctx context.Context) error { return nil }

func (s *orchestratorSession) Events() <-chan provider.Event { return s.out }

func (s *orchestratorSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancelAll()
		s.stt.Close()
		s.llm.Close()
		s.tts.Close()
		close(s.out)
	})
	return nil
}

// pumpSTT relays the STT leg's event stream and drives the at-most-one
// in-flight turn discipline.
func (s *orchestratorSession) pumpSTT() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.stt.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case provider.EventFinalTranscript:
				s.onFinalTranscript(ev.Text)
			case provider.EventSpeechStart:
				// Forward before cancelling so the Engine always observes
				// SpeechStart strictly before the cancelled ResponseEnd.
				s.forward(ev)
				s.onBargeIn()
			default:
				s.forward(ev)
			}
		}
	}
}

func (s *orchestratorSession) forward(ev provider.Event) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

// onFinalTranscript enforces at-most-one-in-flight-response with
// at-most-one-queued-transcript (newer replaces older).
func (s *orchestratorSession) onFinalTranscript(text string) {
	s.mu.Lock()
	if s.responseInFlight {
		s.queuedTranscript = text
		s.hasQueued = true
		s.mu.Unlock()
		return
	}
	s.responseInFlight = true
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	s.mu.Unlock()

	go s.runTurn(turnCtx, text)
}

// onBargeIn cancels the in-flight turn on local VAD speech-start while
// speaking.
func (s *orchestratorSession) onBargeIn() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.llm.Cancel()
		s.tts.Cancel()
	}
}

// runTurn drives one LLM→TTS turn: ResponseStart precedes the first
// AudioOut, ResponseEnd follows the last.
func (s *orchestratorSession) runTurn(ctx context.Context, text string) {
	cancelled := false
	defer func() {
		s.mu.Lock()
		s.responseInFlight = false
		s.turnCancel = nil
		var next string
		if s.hasQueued {
			next = s.queuedTranscript
			s.hasQueued = false
			s.queuedTranscript = ""
		}
		s.mu.Unlock()

		ev := provider.Event{Kind: provider.EventResponseEnd}
		if cancelled {
			ev.ErrKind = provider.ErrCancelled
		}
		s.forward(ev)

		if next != "" {
			s.onFinalTranscript(next)
		}
	}()

	if err := s.llm.SendUserText(ctx, text); err != nil {
		s.forward(provider.Event{Kind: provider.EventError, ErrKind: provider.ErrTransientNetwork, Err: err})
		return
	}

	s.forward(provider.Event{Kind: provider.EventResponseStart})
	startedResponse := true
	var buf sentenceBuffer

	for {
		select {
		case <-ctx.Done():
			cancelled = true
			return
		case ev, ok := <-s.llm.Events():
			if !ok {
				s.flushRemainder(ctx, &buf, &startedResponse)
				return
			}
			switch ev.Kind {
			case provider.EventPartialTranscript, provider.EventFinalTranscript:
				// LLM token deltas are carried on Text regardless of Kind
				// the sub-adapter chose; the orchestrator only cares about
				// accumulating text and detecting sentence boundaries.
				if !startedResponse {
					s.forward(provider.Event{Kind: provider.EventResponseStart})
					startedResponse = true
				}
				if sentence, ok := buf.Add(ev.Text); ok {
					if err := s.synthesizeAndForward(ctx, sentence); err != nil {
						return
					}
				}
			case provider.EventResponseEnd:
				s.flushRemainder(ctx, &buf, &startedResponse)
				return
			case provider.EventError:
				s.forward(ev)
				return
			}
		}
	}
}

func (s *orchestratorSession) flushRemainder(ctx context.Context, buf *sentenceBuffer, startedResponse *bool) {
	remainder := buf.Flush()
	if remainder == "" {
		return
	}
	if !*startedResponse {
		s.forward(provider.Event{Kind: provider.EventResponseStart})
		*startedResponse = true
	}
	s.synthesizeAndForward(ctx, remainder)
}

func (s *orchestratorSession) synthesizeAndForward(ctx context.Context, sentence string) error {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return nil
	}
	if err := s.tts.Synthesize(ctx, sentence); err != nil {
		s.forward(provider.Event{Kind: provider.EventError, ErrKind: provider.ErrTransientNetwork, Err: err})
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.tts.Events():
			if !ok {
				return nil
			}
			if ev.Kind == provider.EventResponseEnd {
				// This TTS leg's own end-of-utterance marker; the
				// orchestrator's ResponseEnd is emitted once per turn, not
				// per sentence, so it is swallowed here.
				return nil
			}
			s.forward(ev)
		}
	}
}
