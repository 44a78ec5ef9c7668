// Package audiocodec provides pure, stateless PCM16/μ-law conversion,
// fixed-ratio resampling, and level metrics shared by the RTP and AudioSocket
// media transports.
package audiocodec

import (
	"github.com/zaf/g711"
)

// ULawToPCM16 decodes 8-bit μ-law (G.711 PCMU) bytes into signed 16-bit
// little-endian host-order PCM samples. Malformed (odd-length-after-decode
// is impossible for μ-law, but empty/nil input) returns an empty slice.
func ULawToPCM16(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(ulaw)
}

// PCM16ToULaw encodes signed 16-bit little-endian PCM into 8-bit μ-law.
// An odd byte length is a malformed frame: it is dropped (empty result).
func PCM16ToULaw(pcm []byte) []byte {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil
	}
	return g711.EncodeUlaw(pcm)
}
