package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceagent/ari-bridge/internal/provider"
	"github.com/voiceagent/ari-bridge/internal/session"
)

type mockSTTSession struct {
	events    chan provider.Event
	fedFrames [][]byte
}

func (m *mockSTTSession) FeedAudio(ctx context.Context, pcm16 []byte) error {
	m.fedFrames = append(m.fedFrames, pcm16)
	return nil
}
func (m *mockSTTSession) Events() <-chan provider.Event { return m.events }
func (m *mockSTTSession) Close() error                  { return nil }

type mockSTTAdapter struct{ sess *mockSTTSession }

func (a *mockSTTAdapter) Open(ctx context.Context, profile session.TransportProfile, callID string) (STTSession, error) {
	return a.sess, nil
}

type mockLLMSession struct {
	events     chan provider.Event
	sentTexts  []string
	cancelled  bool
}

func (m *mockLLMSession) SendUserText(ctx context.Context, text string) error {
	m.sentTexts = append(m.sentTexts, text)
	return nil
}
func (m *mockLLMSession) Events() <-chan provider.Event { return m.events }
func (m *mockLLMSession) Cancel() error                 { m.cancelled = true; return nil }
func (m *mockLLMSession) Close() error                  { return nil }

type mockLLMAdapter struct{ sess *mockLLMSession }

func (a *mockLLMAdapter) Open(ctx context.Context, callID string) (LLMSession, error) {
	return a.sess, nil
}

type mockTTSSession struct {
	events      chan provider.Event
	synthesized []string
	cancelled   bool
}

func (m *mockTTSSession) Synthesize(ctx context.Context, text string) error {
	m.synthesized = append(m.synthesized, text)
	return nil
}
func (m *mockTTSSession) Events() <-chan provider.Event { return m.events }
func (m *mockTTSSession) Cancel() error                 { m.cancelled = true; return nil }
func (m *mockTTSSession) Close() error                  { return nil }

type mockTTSAdapter struct{ sess *mockTTSSession }

func (a *mockTTSAdapter) Open(ctx context.Context, profile session.TransportProfile, callID string) (TTSSession, error) {
	return a.sess, nil
}

func newTestOrchestrator(t *testing.T) (*orchestratorSession, *mockSTTSession, *mockLLMSession, *mockTTSSession) {
	t.Helper()
	sttSess := &mockSTTSession{events: make(chan provider.Event, 10)}
	llmSess := &mockLLMSession{events: make(chan provider.Event, 10)}
	ttsSess := &mockTTSSession{events: make(chan provider.Event, 10)}

	a := New(slog.Default(), &mockSTTAdapter{sess: sttSess}, &mockLLMAdapter{sess: llmSess}, &mockTTSAdapter{sess: ttsSess})
	sess, err := a.Open(context.Background(), session.TransportProfile{}, "call-1")
	require.NoError(t, err)
	return sess.(*orchestratorSession), sttSess, llmSess, ttsSess
}

func recvWithTimeout(t *testing.T, ch <-chan provider.Event) provider.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return provider.Event{}
	}
}

func TestOrchestratorBracketsResponseStartAndEnd(t *testing.T) {
	sess, stt, llm, tts := newTestOrchestrator(t)

	stt.events <- provider.Event{Kind: provider.EventFinalTranscript, Text: "hello there"}

	require.Eventually(t, func() bool { return len(llm.sentTexts) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "hello there", llm.sentTexts[0])

	first := recvWithTimeout(t, sess.Events())
	assert.Equal(t, provider.EventResponseStart, first.Kind, "ResponseStart must precede the first AudioOut")

	llm.events <- provider.Event{Kind: provider.EventPartialTranscript, Text: "Hi!"}
	require.Eventually(t, func() bool { return len(tts.synthesized) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "Hi!", tts.synthesized[0])

	tts.events <- provider.Event{Kind: provider.EventAudioOut, AudioOut: []byte{1, 2, 3}}
	audioEv := recvWithTimeout(t, sess.Events())
	assert.Equal(t, provider.EventAudioOut, audioEv.Kind)

	tts.events <- provider.Event{Kind: provider.EventResponseEnd} // per-sentence TTS end, swallowed
	llm.events <- provider.Event{Kind: provider.EventResponseEnd} // end of turn

	last := recvWithTimeout(t, sess.Events())
	assert.Equal(t, provider.EventResponseEnd, last.Kind, "ResponseEnd must follow the last AudioOut")
}

func TestOrchestratorQueuesAtMostOneTranscriptWhileInFlight(t *testing.T) {
	sess, stt, llm, _ := newTestOrchestrator(t)

	stt.events <- provider.Event{Kind: provider.EventFinalTranscript, Text: "first"}
	require.Eventually(t, func() bool { return len(llm.sentTexts) == 1 }, time.Second, time.Millisecond)

	// Two more transcripts arrive while the first turn is still in flight;
	// only the newest should be queued (P3: queued count <= 1).
	stt.events <- provider.Event{Kind: provider.EventFinalTranscript, Text: "second"}
	stt.events <- provider.Event{Kind: provider.EventFinalTranscript, Text: "third"}

	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.hasQueued && sess.queuedTranscript == "third"
	}, time.Second, time.Millisecond)

	// Drain ResponseStart, finish the in-flight turn.
	recvWithTimeout(t, sess.Events())
	llm.events <- provider.Event{Kind: provider.EventResponseEnd}
	recvWithTimeout(t, sess.Events()) // ResponseEnd for "first"

	require.Eventually(t, func() bool { return len(llm.sentTexts) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "third", llm.sentTexts[1], "only the newest queued transcript should run next")
}

func TestOrchestratorBargeInCancelsInFlightTurn(t *testing.T) {
	sess, stt, llm, tts := newTestOrchestrator(t)

	stt.events <- provider.Event{Kind: provider.EventFinalTranscript, Text: "a long story"}
	require.Eventually(t, func() bool { return len(llm.sentTexts) == 1 }, time.Second, time.Millisecond)
	recvWithTimeout(t, sess.Events()) // ResponseStart

	stt.events <- provider.Event{Kind: provider.EventSpeechStart}

	ev := recvWithTimeout(t, sess.Events())
	assert.Equal(t, provider.EventSpeechStart, ev.Kind, "barge-in SpeechStart is also forwarded to the Engine")

	endEv := recvWithTimeout(t, sess.Events())
	assert.Equal(t, provider.EventResponseEnd, endEv.Kind)
	assert.Equal(t, provider.ErrCancelled, endEv.ErrKind)

	assert.True(t, llm.cancelled)
	assert.True(t, tts.cancelled)
}
