package audiocodec

import "encoding/binary"

// DCBlockState carries the single-sample history a first-order DC-blocking
// high-pass filter needs, per flow. Zero value is a valid starting state.
type DCBlockState struct {
	prevIn  float64
	prevOut float64
}

// dcBlockCoefficient is fixed around 0.995, trading slower low-frequency
// settling for less passband ripple.
const dcBlockCoefficient = 0.995

// DCBlock applies a first-order DC-blocking filter to PCM16LE samples,
// y[n] = x[n] - x[n-1] + coeff*y[n-1], carrying state across calls for a
// single flow. Malformed (odd-length) input is returned unchanged.
func DCBlock(pcm []byte, state *DCBlockState) []byte {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return pcm
	}
	out := make([]byte, len(pcm))
	prevIn, prevOut := state.prevIn, state.prevOut
	for i := 0; i < n; i++ {
		x := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		y := x - prevIn + dcBlockCoefficient*prevOut
		prevIn, prevOut = x, y
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(clampInt16(y)))
	}
	state.prevIn, state.prevOut = prevIn, prevOut
	return out
}
