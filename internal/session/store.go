package session

import (
	"fmt"
	"sync"
	"time"
)

// PlaybackRecord is stored in the store's playback index until
// PlaybackFinished or cleanup.
type PlaybackRecord struct {
	PlaybackID      string
	CallerChannelID string
	MediaPath       string
	Token           string
	CreatedAt       time.Time
}

// Store is the process-wide singleton registry of CallSessions, indexed by
// every identifier another component needs. It owns
// CallSessions exclusively; everyone else holds identifiers.
type Store struct {
	mu sync.RWMutex

	byCaller   map[string]*CallSession
	byMediaLeg map[string]string // mediaLegChannelID -> callerChannelID
	bySSRC     map[uint32]string
	byUUID     map[[16]byte]string
	playbacks  map[string]*PlaybackRecord // playbackID -> record
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byCaller:   make(map[string]*CallSession),
		byMediaLeg: make(map[string]string),
		bySSRC:     make(map[uint32]string),
		byUUID:     make(map[[16]byte]string),
		playbacks:  make(map[string]*PlaybackRecord),
	}
}

// Create registers a brand-new session, keyed by its caller channel id.
// Returns an error if one already exists for that id (I2).
func (st *Store) Create(callerChannelID string, now time.Time) (*CallSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.byCaller[callerChannelID]; exists {
		return nil, fmt.Errorf("session: caller channel %s already has a session", callerChannelID)
	}
	sess := NewCallSession(callerChannelID, now)
	st.byCaller[callerChannelID] = sess
	return sess, nil
}

// GetByCaller looks up a session by caller channel id. ok is false on a miss
// — every caller of this (components holding only identifiers) must treat
// that as "call already terminated", not an error.
func (st *Store) GetByCaller(callerChannelID string) (*CallSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byCaller[callerChannelID]
	return s, ok
}

func (st *Store) GetByMediaLeg(mediaLegChannelID string) (*CallSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	caller, ok := st.byMediaLeg[mediaLegChannelID]
	if !ok {
		return nil, false
	}
	s, ok := st.byCaller[caller]
	return s, ok
}

func (st *Store) GetBySSRC(ssrc uint32) (*CallSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	caller, ok := st.bySSRC[ssrc]
	if !ok {
		return nil, false
	}
	s, ok := st.byCaller[caller]
	return s, ok
}

func (st *Store) GetByUUID(id [16]byte) (*CallSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	caller, ok := st.byUUID[id]
	if !ok {
		return nil, false
	}
	s, ok := st.byCaller[caller]
	return s, ok
}

// BindMediaLeg records the secondary PBX channel for external media.
func (st *Store) BindMediaLeg(callerChannelID, mediaLegChannelID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byCaller[callerChannelID]; ok {
		s.Update(func(sess *CallSession) { sess.MediaLegChannelID = mediaLegChannelID })
		st.byMediaLeg[mediaLegChannelID] = callerChannelID
	}
}

// BindSSRC records the RTP SSRC -> session association exactly once (I3).
// Returns false if the SSRC is already bound to a (possibly different)
// session, which the caller should treat as a no-op, not an error.
func (st *Store) BindSSRC(callerChannelID string, ssrc uint32) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.bySSRC[ssrc]; exists {
		return false
	}
	s, ok := st.byCaller[callerChannelID]
	if !ok {
		return false
	}
	s.Update(func(sess *CallSession) {
		sess.MediaBinding = MediaBinding{SSRC: ssrc, Kind: BindingRTP}
	})
	st.bySSRC[ssrc] = callerChannelID
	return true
}

// BindUUID records the AudioSocket handshake UUID -> session association
// exactly once (I3).
func (st *Store) BindUUID(callerChannelID string, id [16]byte) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.byUUID[id]; exists {
		return false
	}
	s, ok := st.byCaller[callerChannelID]
	if !ok {
		return false
	}
	s.Update(func(sess *CallSession) {
		sess.MediaBinding = MediaBinding{UUID: id, Kind: BindingAudioSocket}
	})
	st.byUUID[id] = callerChannelID
	return true
}

// BindAudioSocketConnID records which AudioSocket TCP connection carries this
// call's media, used by PlaybackManager to address stream-mode egress writes.
func (st *Store) BindAudioSocketConnID(callerChannelID, connID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byCaller[callerChannelID]; ok {
		s.Update(func(sess *CallSession) { sess.AudioSocketConnID = connID })
	}
}

// UnboundMediaLegSessions returns sessions that have a media leg channel but
// no media binding yet, ordered oldest-first by CreatedAt — used by the
// RTPServer first-packet SSRC-to-session resolution.
func (st *Store) UnboundMediaLegSessions() []*CallSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*CallSession
	for _, s := range st.byCaller {
		s.View(func(sess *CallSession) {
			if sess.MediaLegChannelID != "" && sess.MediaBinding.Kind == BindingNone {
				out = append(out, s)
			}
		})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// RegisterPlayback inserts a playback record *before* the originating `play`
// call returns to the caller, closing the race with an early PlaybackFinished.
// Returns an error if the id is already registered (L4).
func (st *Store) RegisterPlayback(rec PlaybackRecord) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.playbacks[rec.PlaybackID]; exists {
		return fmt.Errorf("session: playback %s already registered", rec.PlaybackID)
	}
	st.playbacks[rec.PlaybackID] = &rec
	return nil
}

// CompletePlayback removes a playback record and returns it. ok is false for
// an unknown id (already completed, or never registered) — callers must
// treat this as a dropped duplicate/unknown event, not an error (L4, P4).
func (st *Store) CompletePlayback(playbackID string) (PlaybackRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.playbacks[playbackID]
	if !ok {
		return PlaybackRecord{}, false
	}
	delete(st.playbacks, playbackID)
	return *rec, true
}

// PlaybackExists reports whether a playback id is currently registered,
// without removing it.
func (st *Store) PlaybackExists(playbackID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.playbacks[playbackID]
	return ok
}

// LookupPlaybackCaller returns the owning caller channel id for a
// registered playback, without completing it. Used to route a
// PlaybackFinished event to the right call's queue before the call worker
// itself calls CompletePlayback.
func (st *Store) LookupPlaybackCaller(playbackID string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rec, ok := st.playbacks[playbackID]
	if !ok {
		return "", false
	}
	return rec.CallerChannelID, true
}

// Delete removes a session and every index entry pointing at it (P6).
// Idempotent: deleting a caller id that is not present is a no-op (L3).
func (st *Store) Delete(callerChannelID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byCaller[callerChannelID]
	if !ok {
		return
	}
	delete(st.byCaller, callerChannelID)
	if s.MediaLegChannelID != "" {
		delete(st.byMediaLeg, s.MediaLegChannelID)
	}
	switch s.MediaBinding.Kind {
	case BindingRTP:
		delete(st.bySSRC, s.MediaBinding.SSRC)
	case BindingAudioSocket:
		delete(st.byUUID, s.MediaBinding.UUID)
	}
	for pid, rec := range st.playbacks {
		if rec.CallerChannelID == callerChannelID {
			delete(st.playbacks, pid)
		}
	}
}

// Count returns the number of active sessions (for the health/metrics
// surface).
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byCaller)
}

// All returns a snapshot slice of every active session, for shutdown drain.
func (st *Store) All() []*CallSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*CallSession, 0, len(st.byCaller))
	for _, s := range st.byCaller {
		out = append(out, s)
	}
	return out
}
