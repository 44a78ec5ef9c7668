package audiocodec

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square level of PCM16LE samples, normalized to
// [0, 1]. An empty or malformed (odd-length) buffer reports 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sumSq += s * s
	}
	return math.Sqrt(sumSq/float64(n)) / 32768.0
}

// DCOffset returns the mean sample value, normalized to [-1, 1].
func DCOffset(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
	}
	return (sum / float64(n)) / 32768.0
}

// ClippingRatio returns the fraction of samples at or above 32766 or at or
// below -32767.
func ClippingRatio(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	clipped := 0
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		if s >= math.MaxInt16-1 || s <= math.MinInt16+1 {
			clipped++
		}
	}
	return float64(clipped) / float64(n)
}

// byteSwapped returns a copy of pcm with every 16-bit sample's byte order
// flipped, used by the endianness probe below.
func byteSwapped(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = pcm[i*2+1]
		out[i*2+1] = pcm[i*2]
	}
	return out
}

// ProbeEndianness runs a one-shot heuristic: if the RMS of
// the byte-swapped view exceeds 4x the RMS of the raw view, the flow is very
// likely big-endian and every subsequent frame should be byte-swapped before
// use. Called once per flow on the first ingress frame.
func ProbeEndianness(pcm []byte) (bigEndian bool) {
	raw := RMS(pcm)
	if raw == 0 {
		return false
	}
	swapped := RMS(byteSwapped(pcm))
	return swapped > 4*raw
}

// NormalizeEndianness returns pcm byte-swapped if bigEndian is set, otherwise
// returns pcm unchanged.
func NormalizeEndianness(pcm []byte, bigEndian bool) []byte {
	if !bigEndian {
		return pcm
	}
	return byteSwapped(pcm)
}
