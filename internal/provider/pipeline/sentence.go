package pipeline

import "strings"

// sentenceBuffer accumulates LLM token deltas and splits them into complete
// sentences as soon as a boundary punctuation mark is seen, so TTS can start
// on sentence 1 while the LLM is still producing sentence 2.
type sentenceBuffer struct {
	buf strings.Builder
}

const sentenceBoundaries = ".!?\n"

// Add appends a token delta and returns the first complete sentence found,
// if any, leaving the remainder buffered.
func (b *sentenceBuffer) Add(token string) (string, bool) {
	b.buf.WriteString(token)
	content := b.buf.String()

	idx := strings.IndexAny(content, sentenceBoundaries)
	if idx < 0 {
		return "", false
	}
	sentence := content[:idx+1]
	remainder := content[idx+1:]
	b.buf.Reset()
	b.buf.WriteString(remainder)
	return sentence, true
}

// Flush returns and clears whatever text remains unterminated, for
// end-of-turn.
func (b *sentenceBuffer) Flush() string {
	remainder := b.buf.String()
	b.buf.Reset()
	return remainder
}
