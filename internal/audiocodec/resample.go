package audiocodec

import (
	"encoding/binary"
	"fmt"
	"math"

	resampler "github.com/tphakala/go-audio-resampler"
)

// supportedRates enumerates the only sample rates this agent ever resamples
// between. Anything else is a capability-negotiation bug upstream, not
// something this layer silently tolerates (spec: "restricted to {8000<->16000<->24000}").
var supportedRates = map[int]bool{8000: true, 16000: true, 24000: true}

// ResamplePCM16 converts signed 16-bit little-endian PCM samples between
// 8/16/24 kHz. When srcRate equals dstRate a copy of pcm is returned for any
// rate; any other pair involving a rate outside 8/16/24 kHz is rejected — this
// agent does not do general-purpose resampling, only the fixed ratios
// telephony needs.
func ResamplePCM16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate == dstRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}
	if !supportedRates[srcRate] || !supportedRates[dstRate] {
		return nil, fmt.Errorf("audiocodec: unsupported resample ratio %d->%d", srcRate, dstRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audiocodec: odd-length PCM16 buffer (%d bytes)", len(pcm))
	}

	in := make([]float64, len(pcm)/2)
	for i := range in {
		in[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
	}

	r, err := resampler.NewSimple(float64(srcRate), float64(dstRate))
	if err != nil {
		return nil, fmt.Errorf("audiocodec: init resampler: %w", err)
	}
	out, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: resample: %w", err)
	}

	pcmOut := make([]byte, len(out)*2)
	for i, v := range out {
		sample := clampInt16(v)
		binary.LittleEndian.PutUint16(pcmOut[i*2:i*2+2], uint16(sample))
	}
	return pcmOut, nil
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
