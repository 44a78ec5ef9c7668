// Package playback implements the PlaybackManager: file-mode
// and stream-mode delivery of provider AudioOut bytes to the PBX, plus the
// ttsActiveCount refcount discipline that implements invariants I1 and I5.
package playback

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voiceagent/ari-bridge/internal/ari"
	"github.com/voiceagent/ari-bridge/internal/audiosocket"
	"github.com/voiceagent/ari-bridge/internal/gating"
	"github.com/voiceagent/ari-bridge/internal/metrics"
	"github.com/voiceagent/ari-bridge/internal/session"
)

// Mode selects how an utterance's audio reaches the PBX.
type Mode int

const (
	ModeFile Mode = iota
	ModeStream
)

const (
	defaultWatchdog            = 10 * time.Second
	defaultFarewellHangupDelay = 2500 * time.Millisecond
)

// Config carries PlaybackManager's tunables.
type Config struct {
	MediaDir             string
	WatchdogTimeout       time.Duration
	FarewellHangupDelay   time.Duration
}

// Manager coordinates playback across every active call.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	ari     *ari.Client
	audioSocket *audiosocket.Server
	gate    *gating.Coordinator
	store   *session.Store

	watchdogs atomic.Int64 // count of watchdog-forced releases, for gate_watchdog_fired
}

func New(log *slog.Logger, cfg Config, ariClient *ari.Client, as *audiosocket.Server, gate *gating.Coordinator, store *session.Store) *Manager {
	if cfg.WatchdogTimeout == 0 {
		cfg.WatchdogTimeout = defaultWatchdog
	}
	if cfg.FarewellHangupDelay == 0 {
		cfg.FarewellHangupDelay = defaultFarewellHangupDelay
	}
	return &Manager{
		log:         log.With("component", "playback"),
		cfg:         cfg,
		ari:         ariClient,
		audioSocket: as,
		gate:        gate,
		store:       store,
	}
}

// Utterance accumulates one turn's AudioOut bytes for file-mode buffering,
// or tracks the egress connection for stream mode.
type Utterance struct {
	mode        Mode
	callerID    string
	token       string
	audioSocket string // connection id, stream mode only
	sampleRate  int
	tmpFile     *os.File
	bufWriter   *bufio.Writer
	tmpPath     string
}

// BeginResponse implements the ResponseStart half of the refcount
// discipline: ttsActiveCount += 1; if it became 1, the gate
// closes.
func (m *Manager) BeginResponse(callerID string, mode Mode, audioSocketConn string, sampleRate int) (*Utterance, error) {
	sess, ok := m.store.GetByCaller(callerID)
	if !ok {
		return nil, fmt.Errorf("playback: unknown call %s", callerID)
	}

	token := uuid.NewString()
	u := &Utterance{mode: mode, callerID: callerID, token: token, audioSocket: audioSocketConn, sampleRate: sampleRate}

	var becameActive bool
	sess.Update(func(s *session.CallSession) {
		s.TTSTokens[token] = struct{}{}
		s.TTSActiveCount++
		becameActive = s.TTSActiveCount == 1
	})
	if becameActive {
		m.gate.SetCaptureEnabled(callerID, false)
	}
	m.armWatchdog(callerID, token)

	if mode == ModeFile {
		path := filepath.Join(m.cfg.MediaDir, fmt.Sprintf("%s-%s.ulaw", callerID, token))
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("playback: create temp file: %w", err)
		}
		u.tmpFile = f
		u.tmpPath = path
		u.bufWriter = bufio.NewWriterSize(f, 64*1024)
	}
	return u, nil
}

// WriteAudio appends one AudioOut chunk to the utterance.
func (m *Manager) WriteAudio(ctx context.Context, u *Utterance, pcm []byte) error {
	switch u.mode {
	case ModeFile:
		_, err := u.bufWriter.Write(pcm)
		return err
	case ModeStream:
		err := m.audioSocket.WriteAudio(u.audioSocket, pcm, u.sampleRate)
		if err == audiosocket.ErrEgressStalled {
			m.markStalled(u.callerID)
		}
		return err
	default:
		return fmt.Errorf("playback: unknown mode")
	}
}

// EndResponse implements ResponseEnd: for file mode it flushes the buffer
// and issues the PBX play command (registering the playbackId *before*
// returning, closing the race with an early PlaybackFinished); for stream
// mode it emits a
// synthetic completion once the egress buffer has drained.
func (m *Manager) EndResponse(ctx context.Context, u *Utterance) error {
	switch u.mode {
	case ModeFile:
		return m.finishFileUtterance(ctx, u)
	case ModeStream:
		return m.release(u.callerID, u.token)
	default:
		return fmt.Errorf("playback: unknown mode")
	}
}

func (m *Manager) finishFileUtterance(ctx context.Context, u *Utterance) error {
	if err := u.bufWriter.Flush(); err != nil {
		u.tmpFile.Close()
		return err
	}
	if err := u.tmpFile.Close(); err != nil {
		return err
	}

	sess, ok := m.store.GetByCaller(u.callerID)
	if !ok {
		os.Remove(u.tmpPath)
		return nil
	}
	var bridgeID string
	sess.View(func(s *session.CallSession) { bridgeID = s.BridgeID })

	playbackID, err := m.ari.PlayOnChannelOrBridge(ctx, "bridge:"+bridgeID, "sound:"+u.tmpPath)
	if err != nil {
		os.Remove(u.tmpPath)
		m.release(u.callerID, u.token)
		return err
	}
	// Registered before returning to the caller — closes the race with an
	// early PlaybackFinished.
	return m.store.RegisterPlayback(session.PlaybackRecord{
		PlaybackID:      playbackID,
		CallerChannelID: u.callerID,
		MediaPath:       u.tmpPath,
		Token:           u.token,
		CreatedAt:       time.Now(),
	})
}

// OnPlaybackFinished handles the PBX's PlaybackFinished event for file-mode
// utterances. Unknown ids are ignored here (L4, boundary behavior):
// CompletePlayback reports the miss by returning false, and no counter is
// incremented in this method.
func (m *Manager) OnPlaybackFinished(playbackID string) {
	rec, ok := m.store.CompletePlayback(playbackID)
	if !ok {
		return
	}
	if rec.MediaPath != "" {
		os.Remove(rec.MediaPath)
	}
	m.release(rec.CallerChannelID, rec.Token)
}

// release implements the decrement half of the refcount discipline: when
// the count reaches 0, the gate opens and TTSGateReleased fires; farewell
// hangup is deferred from here if pending.
func (m *Manager) release(callerID, token string) {
	sess, ok := m.store.GetByCaller(callerID)
	if !ok {
		return
	}
	var reachedZero bool
	var farewell bool
	sess.Update(func(s *session.CallSession) {
		if _, present := s.TTSTokens[token]; !present {
			return
		}
		delete(s.TTSTokens, token)
		if s.TTSActiveCount > 0 {
			s.TTSActiveCount--
		}
		reachedZero = s.TTSActiveCount == 0
		farewell = s.FarewellPending
	})
	if reachedZero {
		m.gate.SetCaptureEnabled(callerID, true)
		if farewell {
			m.scheduleFarewellHangup(callerID)
		}
	}
}

func (m *Manager) scheduleFarewellHangup(callerID string) {
	go func() {
		time.Sleep(m.cfg.FarewellHangupDelay)
		sess, ok := m.store.GetByCaller(callerID)
		if !ok {
			return
		}
		m.ari.HangupChannel(context.Background(), sess.CallerChannelID)
	}()
}

// armWatchdog forces a release after WatchdogTimeout if the PBX never
// delivers the matching completion.
func (m *Manager) armWatchdog(callerID, token string) {
	go func() {
		time.Sleep(m.cfg.WatchdogTimeout)
		sess, ok := m.store.GetByCaller(callerID)
		if !ok {
			return
		}
		var stillPending bool
		sess.View(func(s *session.CallSession) {
			_, stillPending = s.TTSTokens[token]
		})
		if stillPending {
			m.watchdogs.Add(1)
			metrics.GateWatchdogFired.Inc()
			m.release(callerID, token)
		}
	}()
}

// WatchdogFireCount returns the number of watchdog-forced releases, for the
// gate_watchdog_fired metric.
func (m *Manager) WatchdogFireCount() int64 {
	return m.watchdogs.Load()
}

func (m *Manager) markStalled(callerID string) {
	sess, ok := m.store.GetByCaller(callerID)
	if !ok {
		return
	}
	sess.Update(func(s *session.CallSession) { s.StreamingStalled = true })
}
