// Package provider defines the adapter contract every speech/LLM backend
// implements: a capability-negotiated session that accepts
// audio/text and produces an ordered event stream.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voiceagent/ari-bridge/internal/session"
)

// Capabilities describes what a provider can do, used by the Engine to
// choose its interaction pattern and to fail fast at setup on a mismatch.
type Capabilities struct {
	ServerSideTurnDetection bool
	IsMonolithic            bool
	SupportedIngressRates   []int
	SupportedEgressRates    []int
}

// SupportsRate reports whether rate is in rates.
func SupportsRate(rates []int, rate int) bool {
	for _, r := range rates {
		if r == rate {
			return true
		}
	}
	return false
}

// EventKind enumerates the adapter event stream.
type EventKind int

const (
	EventAudioOut EventKind = iota
	EventPartialTranscript
	EventFinalTranscript
	EventResponseStart
	EventResponseEnd
	EventError
	EventSpeechStart
	EventSpeechEnd
	EventCapabilityAck
)

// ErrorKind is the adapter error taxonomy.
type ErrorKind int

const (
	ErrTransientNetwork ErrorKind = iota
	ErrAuth
	ErrProtocol
	ErrRateLimit
	ErrUnsupportedFormat
	ErrCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransientNetwork:
		return "transient-network"
	case ErrAuth:
		return "auth"
	case ErrProtocol:
		return "protocol"
	case ErrRateLimit:
		return "rate-limit"
	case ErrUnsupportedFormat:
		return "unsupported-format"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one item in an adapter's ordered output stream.
type Event struct {
	Kind       EventKind
	AudioOut   []byte
	Text       string
	ErrKind    ErrorKind
	Err        error
	Capability *Capabilities
}

// Session is an open conversation with a provider, bound to one CallSession.
type Session interface {
	// FeedAudio forwards ingress PCM16 bytes; the adapter is responsible for
	// any conversion from the call's negotiated ingress format.
	FeedAudio(ctx context.Context, pcm16 []byte) error
	// FeedText forwards text input, meaningful only for LLM-only adapters.
	FeedText(ctx context.Context, text string) error
	// RequestResponse asks the adapter to produce a turn; meaningful only
	// for adapters without server-side turn detection.
	RequestResponse(ctx context.Context) error
	// Events returns the adapter's ordered event stream. Closed when the
	// session is closed.
	Events() <-chan Event
	// Close releases the adapter session; idempotent.
	Close() error
}

// Adapter is the factory surface every provider implements: Open binds a
// new Session to a call's locked-in transport profile.
type Adapter interface {
	Capabilities() Capabilities
	Open(ctx context.Context, profile session.TransportProfile, callID string) (Session, error)
}

// Factory constructs an Adapter from provider-specific configuration.
type Factory func(cfg map[string]any) (Adapter, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a named provider factory. Panics on an empty name, a nil
// factory, or a duplicate name — these are programmer errors caught at
// package init, not runtime conditions.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if name == "" {
		panic("provider: Register called with empty name")
	}
	if factory == nil {
		panic("provider: Register called with nil factory for " + name)
	}
	if _, exists := registry[name]; exists {
		panic("provider: duplicate Register for " + name)
	}
	registry[name] = factory
}

// New constructs an Adapter from a registered provider name.
func New(name string, cfg map[string]any) (Adapter, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return factory(cfg)
}

// List returns every registered provider name, sorted.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
