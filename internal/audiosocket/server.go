// Package audiosocket implements the Asterisk AudioSocket TCP protocol: a
// length-framed stream of a UUID handshake followed by PCM16 audio at the
// negotiated sample rate, in both directions.
package audiosocket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/voiceagent/ari-bridge/internal/audiocodec"
)

// Frame type byte values, fixed by the AudioSocket wire protocol.
const (
	TypeTerminate    byte = 0x00
	TypeUUID         byte = 0x01
	TypeDTMF         byte = 0x03
	TypePCM16_8kHz   byte = 0x10
	TypePCM16_12kHz  byte = 0x11
	TypePCM16_16kHz  byte = 0x12
	TypePCM16_24kHz  byte = 0x13
	TypePCM16_32kHz  byte = 0x14
	TypePCM16_44kHz  byte = 0x15
	TypePCM16_48kHz  byte = 0x16
	TypePCM16_96kHz  byte = 0x17
	TypePCM16_192kHz byte = 0x18
	TypeError        byte = 0xFF
)

var rateByType = map[byte]int{
	TypePCM16_8kHz:   8000,
	TypePCM16_12kHz:  12000,
	TypePCM16_16kHz:  16000,
	TypePCM16_24kHz:  24000,
	TypePCM16_32kHz:  32000,
	TypePCM16_44kHz:  44100,
	TypePCM16_48kHz:  48000,
	TypePCM16_96kHz:  96000,
	TypePCM16_192kHz: 192000,
}

func typeForRate(rate int) (byte, error) {
	for t, r := range rateByType {
		if r == rate {
			return t, nil
		}
	}
	return 0, fmt.Errorf("audiosocket: unsupported egress sample rate %d", rate)
}

// egressStallTimeout is the default backpressure window.
const egressStallTimeout = 2000 * time.Millisecond

// Event is delivered to the registered callback as frames/handshakes arrive.
type Event struct {
	Kind      EventKind
	UUID      [16]byte
	PCM16     []byte
	SampleHz  int
	DTMFDigit byte
}

type EventKind int

const (
	EventUUIDHandshake EventKind = iota
	EventAudio
	EventDTMF
	EventTerminate
	EventError
)

// Callback is invoked on the connection's own goroutine; it must not block
// for long.
type Callback func(connID string, ev Event)

// conn tracks one accepted TCP connection.
type conn struct {
	id         string
	nc         net.Conn
	writeMu    sync.Mutex
	handshaken bool

	probedEndian bool
	bigEndian    bool
}

// Server is the process-wide singleton AudioSocket TCP listener.
type Server struct {
	log *slog.Logger
	cb  Callback

	mu    sync.RWMutex
	conns map[string]*conn

	ln     net.Listener
	closed chan struct{}
	nextID uint64
}

func New(log *slog.Logger, cb Callback) *Server {
	return &Server{
		log:    log.With("component", "audiosocket"),
		cb:     cb,
		conns:  make(map[string]*conn),
		closed: make(chan struct{}),
	}
}

func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("as-%d", s.nextID)
	c := &conn{id: id, nc: nc}
	s.conns[id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		nc.Close()
	}()

	r := bufio.NewReader(nc)
	var connUUID [16]byte
	sawAudio := false
	for {
		frameType, payload, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.Warn("audiosocket read error", "conn", id, "error", err)
			}
			s.cb(id, Event{Kind: EventTerminate, UUID: connUUID})
			return
		}

		switch frameType {
		case TypeUUID:
			if len(payload) != 16 {
				s.log.Warn("dropping malformed UUID handshake", "conn", id, "len", len(payload))
				continue
			}
			var u [16]byte
			copy(u[:], payload)
			// A handshake arriving after audio resets the connection.
			if sawAudio {
				s.log.Warn("handshake after audio, resetting connection", "conn", id)
				s.cb(id, Event{Kind: EventTerminate, UUID: connUUID})
				return
			}
			connUUID = u
			c.handshaken = true
			s.cb(id, Event{Kind: EventUUIDHandshake, UUID: u})
		case TypeTerminate:
			s.cb(id, Event{Kind: EventTerminate, UUID: connUUID})
			return
		case TypeDTMF:
			if len(payload) != 1 {
				continue
			}
			s.cb(id, Event{Kind: EventDTMF, UUID: connUUID, DTMFDigit: payload[0]})
		case TypeError:
			s.cb(id, Event{Kind: EventError, UUID: connUUID})
		default:
			rate, ok := rateByType[frameType]
			if !ok {
				s.log.Warn("dropping unknown audiosocket frame type", "conn", id, "type", frameType)
				continue
			}
			if !c.handshaken {
				// Audio before the handshake is dropped.
				continue
			}
			if !c.probedEndian {
				c.bigEndian = audiocodec.ProbeEndianness(payload)
				c.probedEndian = true
			}
			pcm := audiocodec.NormalizeEndianness(payload, c.bigEndian)
			sawAudio = true
			s.cb(id, Event{Kind: EventAudio, UUID: connUUID, PCM16: pcm, SampleHz: rate})
		}
	}
}

// readFrame reads one length-prefixed frame: 1-byte type, 2-byte big-endian
// length, then that many payload bytes.
func readFrame(r *bufio.Reader) (byte, []byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	frameType := header[0]
	length := binary.BigEndian.Uint16(header[1:3])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return frameType, payload, nil
}

// WriteAudio reframes pcm and writes it to the connection's egress side,
// with a write deadline of egressStallTimeout (a fixed 2000 ms; the
// configured stall timeout is not read here). Any write error, a missed
// deadline included, is returned as ErrEgressStalled. The caller
// (PlaybackManager) only records the stall on the session; nothing switches
// the call to file-mode playback.
func (s *Server) WriteAudio(connID string, pcm []byte, sampleHz int) error {
	frameType, err := typeForRate(sampleHz)
	if err != nil {
		return err
	}
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("audiosocket: unknown connection %s", connID)
	}

	header := make([]byte, 3+len(pcm))
	header[0] = frameType
	binary.BigEndian.PutUint16(header[1:3], uint16(len(pcm)))
	copy(header[3:], pcm)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.nc.SetWriteDeadline(time.Now().Add(egressStallTimeout))
	_, err = c.nc.Write(header)
	c.nc.SetWriteDeadline(time.Time{})
	if err != nil {
		return ErrEgressStalled
	}
	return nil
}

// ErrEgressStalled is returned when an egress write fails, including when it
// exceeds the egressStallTimeout deadline.
var ErrEgressStalled = fmt.Errorf("audiosocket: egress write stalled")

// Close shuts the listener and every open connection down.
func (s *Server) Close() error {
	close(s.closed)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.nc.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// ConnCount reports the number of open connections, for diagnostics.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
