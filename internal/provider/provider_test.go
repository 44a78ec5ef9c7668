package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceagent/ari-bridge/internal/session"
)

type mockSession struct {
	events chan Event
}

func (m *mockSession) FeedAudio(ctx context.Context, pcm16 []byte) error { return nil }
func (m *mockSession) FeedText(ctx context.Context, text string) error  { return nil }
func (m *mockSession) RequestResponse(ctx context.Context) error        { return nil }
func (m *mockSession) Events() <-chan Event                             { return m.events }
func (m *mockSession) Close() error                                     { close(m.events); return nil }

type mockAdapter struct {
	caps Capabilities
}

func (a *mockAdapter) Capabilities() Capabilities { return a.caps }
func (a *mockAdapter) Open(ctx context.Context, profile session.TransportProfile, callID string) (Session, error) {
	return &mockSession{events: make(chan Event, 1)}, nil
}

func TestRegisterAndNew(t *testing.T) {
	Register("mock-provider-a", func(cfg map[string]any) (Adapter, error) {
		return &mockAdapter{caps: Capabilities{IsMonolithic: true}}, nil
	})

	a, err := New("mock-provider-a", nil)
	require.NoError(t, err)
	assert.True(t, a.Capabilities().IsMonolithic)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("does-not-exist", nil)
	assert.Error(t, err)
}

func TestRegisterPanicsOnEmptyName(t *testing.T) {
	assert.Panics(t, func() {
		Register("", func(cfg map[string]any) (Adapter, error) { return nil, nil })
	})
}

func TestRegisterPanicsOnNilFactory(t *testing.T) {
	assert.Panics(t, func() {
		Register("mock-provider-nil", nil)
	})
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	Register("mock-provider-dup", func(cfg map[string]any) (Adapter, error) { return nil, nil })
	assert.Panics(t, func() {
		Register("mock-provider-dup", func(cfg map[string]any) (Adapter, error) { return nil, nil })
	})
}

func TestListIsSorted(t *testing.T) {
	Register("mock-provider-z", func(cfg map[string]any) (Adapter, error) { return nil, nil })
	Register("mock-provider-b", func(cfg map[string]any) (Adapter, error) { return nil, nil })

	names := List()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}

func TestSupportsRate(t *testing.T) {
	rates := []int{8000, 16000, 24000}
	assert.True(t, SupportsRate(rates, 16000))
	assert.False(t, SupportsRate(rates, 48000))
}
