package engine

import (
	"github.com/voiceagent/ari-bridge/internal/provider"
)

// EventKind enumerates everything that can arrive on a call's event queue.
// Events for one CallSession are always processed in FIFO enqueue order
//; across sessions there is no ordering guarantee.
type EventKind int

const (
	EvStasisStart EventKind = iota
	EvChannelDestroyed
	EvStasisEnd
	EvPlaybackStarted
	EvPlaybackFinished
	EvDTMF
	EvMediaFrame
	EvProviderEvent
	EvLocalSpeechStart
	EvLocalSpeechEnd
	EvSetupTimeout
	EvDeadCallTimeout
	EvFarewellRequested
)

// Event is one item on a call's queue.
type Event struct {
	Kind EventKind

	CallerChannelID string
	MediaLegChannelID string
	PlaybackID      string
	DTMFDigit       byte

	MediaPCM16   []byte
	LikelySilence bool

	ProviderEvent provider.Event
}
