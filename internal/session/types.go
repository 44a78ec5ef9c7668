// Package session implements the typed, concurrency-safe CallSession
// registry: the single owner of per-call state, indexed by every
// identifier another component needs to look a call up by.
package session

import (
	"sync"
	"time"
)

// ConversationState is the per-call state machine position.
type ConversationState int

const (
	StateSetup ConversationState = iota
	StateGreeting
	StateListening
	StateThinking
	StateSpeaking
	StateTerminating
)

func (s ConversationState) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// MediaBinding is exactly one of an RTP SSRC or an AudioSocket UUID
// handshake, set once per call before inbound media is accepted (I3).
type MediaBinding struct {
	SSRC uint32
	UUID [16]byte
	Kind MediaBindingKind
}

type MediaBindingKind int

const (
	BindingNone MediaBindingKind = iota
	BindingRTP
	BindingAudioSocket
)

// TransportProfile is locked at call start; mid-call renegotiation is not
// permitted.
type TransportProfile struct {
	IngressFormat     string
	IngressSampleRate int
	EgressFormat      string
	EgressSampleRate  int
	ChunkMs           int
}

// CallSession is the exclusive, SessionStore-owned per-call record. All other
// components hold only identifiers into it and must tolerate lookup misses.
type CallSession struct {
	mu sync.Mutex

	CallerChannelID    string
	BridgeID           string
	MediaLegChannelID  string
	MediaBinding       MediaBinding
	AudioSocketConnID  string
	Transport          TransportProfile
	State              ConversationState
	AudioCaptureEnable bool
	TTSActiveCount     uint32
	TTSTokens          map[string]struct{}
	PendingResponse    bool
	FarewellPending    bool
	Provider           any // handle to the bound provider/orchestrator session

	CreatedAt          time.Time
	LastInboundAudioAt time.Time
	LastOutboundAudioAt time.Time

	// StreamingStalled marks that an AudioSocket egress write for this call
	// failed or stalled. Setting it does not switch the call to file-mode
	// playback.
	StreamingStalled bool
}

// NewCallSession creates a fresh session in StateSetup with capture enabled
// (per I1: ttsActiveCount == 0 implies audioCaptureEnabled == true).
func NewCallSession(callerChannelID string, now time.Time) *CallSession {
	return &CallSession{
		CallerChannelID:    callerChannelID,
		State:              StateSetup,
		AudioCaptureEnable: true,
		TTSTokens:          make(map[string]struct{}),
		CreatedAt:          now,
	}
}

// Update runs fn while holding the session's lock, serializing mutations to
// this one session.
func (s *CallSession) Update(fn func(*CallSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// View runs fn while holding the session's lock for a read; fn must not
// mutate fields it doesn't own exclusively.
func (s *CallSession) View(fn func(*CallSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// CanTransitionTo enforces I4: terminating is a one-way door.
func (s *CallSession) CanTransitionTo(next ConversationState) bool {
	if s.State == StateTerminating {
		return false
	}
	return true
}
