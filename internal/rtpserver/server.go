// Package rtpserver implements the RTP ingress listener: a UDP
// socket accepting PCMU-framed audio, decoding/resampling it to PCM16@16kHz,
// and handing frames to a registered callback keyed by SSRC.
package rtpserver

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/voiceagent/ari-bridge/internal/audiocodec"
)

// payloadTypePCMU is the static RTP payload type for G.711 μ-law (RFC 3551).
const payloadTypePCMU = 0

// silenceRMSFloor is the default threshold below which a frame is flagged as
// likely silence/comfort-noise rather than speech.
const silenceRMSFloor = 100.0 / 32768.0

// Frame is delivered to the registered callback for every accepted RTP
// packet.
type Frame struct {
	SSRC            uint32
	Seq             uint16
	ArrivalMono     time.Time
	PCM16At16k      []byte
	LikelySilence   bool
	SequenceLoss    int
	JitterEstimate  float64
}

// Callback is invoked once per accepted frame. newFlow is true exactly once,
// on the first packet seen for an SSRC.
type Callback func(newFlow bool, frame Frame)

// flowRecord is the RTPServer's private per-SSRC bookkeeping, owned
// exclusively by the server; only a copy is handed to the Engine callback.
type flowRecord struct {
	ssrc          uint32
	remoteAddr    net.Addr
	lastSeq       uint16
	haveLastSeq   bool
	lastArrivalAt time.Time
	lastTransit   float64
	jitter        float64
	lossCounter   int64
	bigEndian     bool
	probedEndian  bool
}

// Server is the process-wide singleton UDP RTP listener.
type Server struct {
	log      *slog.Logger
	addr     string
	cb       Callback
	floor    float64

	mu    sync.RWMutex
	flows map[uint32]*flowRecord

	conn   *net.UDPConn
	closed chan struct{}
}

// New creates an RTPServer bound to addr (host:port), delivering frames to cb.
func New(log *slog.Logger, addr string, cb Callback) *Server {
	return &Server{
		log:    log.With("component", "rtpserver"),
		addr:   addr,
		cb:     cb,
		floor:  silenceRMSFloor,
		flows:  make(map[uint32]*flowRecord),
		closed: make(chan struct{}),
	}
}

// Run listens until the process is shut down, reconnecting the UDP socket
// with exponential backoff (capped at 5s) on transport errors.
func (s *Server) Run() error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.closed:
			return nil
		default:
		}

		udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			s.log.Error("failed to bind RTP socket, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		err = s.readLoop(conn)
		conn.Close()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			s.log.Error("RTP socket error, rebinding", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, maxBackoff)
		}
	}
}

func (s *Server) readLoop(conn *net.UDPConn) error {
	buf := make([]byte, 1500)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		arrival := time.Now()
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handlePacket(pkt, remote, arrival)
	}
}

func (s *Server) handlePacket(pkt []byte, remote net.Addr, arrival time.Time) {
	var p rtp.Packet
	if err := p.Unmarshal(pkt); err != nil {
		s.log.Warn("dropping malformed RTP packet", "error", err)
		return
	}
	if p.PayloadType != payloadTypePCMU {
		s.log.Warn("dropping RTP packet with unsupported payload type", "payloadType", p.PayloadType)
		return
	}

	s.mu.Lock()
	flow, exists := s.flows[p.SSRC]
	newFlow := !exists
	if newFlow {
		flow = &flowRecord{ssrc: p.SSRC, remoteAddr: remote}
		s.flows[p.SSRC] = flow
	}
	s.mu.Unlock()

	lossThisPacket := updateSequenceTracking(flow, p.SequenceNumber)
	updateJitter(flow, p.Timestamp, arrival)
	flow.lastArrivalAt = arrival

	pcm8k := audiocodec.ULawToPCM16(p.Payload)
	if !flow.probedEndian {
		flow.bigEndian = audiocodec.ProbeEndianness(pcm8k)
		flow.probedEndian = true
	}
	pcm8k = audiocodec.NormalizeEndianness(pcm8k, flow.bigEndian)

	pcm16k, err := audiocodec.ResamplePCM16(pcm8k, 8000, 16000)
	if err != nil {
		s.log.Warn("dropping frame: resample failed", "ssrc", p.SSRC, "error", err)
		return
	}

	frame := Frame{
		SSRC:           p.SSRC,
		Seq:            p.SequenceNumber,
		ArrivalMono:    arrival,
		PCM16At16k:     pcm16k,
		LikelySilence:  audiocodec.RMS(pcm8k) < s.floor,
		SequenceLoss:   lossThisPacket,
		JitterEstimate: flow.jitter,
	}
	s.cb(newFlow, frame)
}

// updateSequenceTracking applies RFC 3550-style sequence-number loss
// accounting, returning the number of packets estimated lost since the prior
// one (0 if none, or if this is the first packet of the flow).
func updateSequenceTracking(flow *flowRecord, seq uint16) int {
	if !flow.haveLastSeq {
		flow.lastSeq = seq
		flow.haveLastSeq = true
		return 0
	}
	expected := flow.lastSeq + 1
	diff := int16(seq - expected) // wraparound-safe signed delta
	flow.lastSeq = seq
	if diff > 0 {
		loss := int(diff)
		flow.lossCounter += int64(loss)
		return loss
	}
	return 0
}

// updateJitter implements the RFC 3550 §6.4.1 interarrival jitter estimator,
// assuming an 8kHz media clock (the RTP clock rate for PCMU).
func updateJitter(flow *flowRecord, rtpTimestamp uint32, arrival time.Time) {
	const clockRate = 8000
	arrivalTS := float64(arrival.UnixNano()) / 1e9 * clockRate
	transit := arrivalTS - float64(rtpTimestamp)
	if flow.lastArrivalAt.IsZero() {
		flow.lastTransit = transit
		return
	}
	d := transit - flow.lastTransit
	if d < 0 {
		d = -d
	}
	flow.jitter += (d - flow.jitter) / 16
	flow.lastTransit = transit
}

// Close shuts the listener down; Run returns nil shortly afterward.
func (s *Server) Close() error {
	close(s.closed)
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// FlowCount reports the number of known SSRC flows, for diagnostics.
func (s *Server) FlowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}

// Forget removes a flow record, called by the Engine on call teardown so a
// reused SSRC after a long-running PBX doesn't stay bound to a dead session.
func (s *Server) Forget(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, ssrc)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
