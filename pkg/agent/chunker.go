package agent

import (
	"strings"

	"github.com/voiceloop/voiceloop/pkg/tokens"
)

// DefaultChunkMaxTokens is the forced-flush threshold for responses that run
// on without a usable boundary.
const DefaultChunkMaxTokens = 48

// Chunker accumulates LLM text deltas and cuts them into synthesizable
// chunks. A chunk is emitted at a sentence boundary ('.', '!' or '?' followed
// by whitespace), at a pause boundary (',', ';' or ':' followed by
// whitespace) once the pending text has grown past the token limit, or
// wholesale when the limit is exceeded and no boundary exists at all. Chunks
// leave in the order the text arrived.
//
// A Chunker belongs to one turn and is not safe for concurrent use.
type Chunker struct {
	counter   tokens.Counter
	maxTokens int
	pending   strings.Builder
}

// NewChunker creates a chunker with the given token counter and forced-flush
// limit. A nil counter falls back to word counting; a non-positive limit
// falls back to DefaultChunkMaxTokens.
func NewChunker(counter tokens.Counter, maxTokens int) *Chunker {
	if counter == nil {
		counter = tokens.WordCounter{}
	}
	if maxTokens <= 0 {
		maxTokens = DefaultChunkMaxTokens
	}
	return &Chunker{counter: counter, maxTokens: maxTokens}
}

// Write appends one text delta and returns any chunks that became complete.
func (c *Chunker) Write(text string) []string {
	if text == "" {
		return nil
	}
	c.pending.WriteString(text)

	var out []string
	for {
		chunk, ok := c.cut()
		if !ok {
			break
		}
		out = append(out, chunk)
	}
	return out
}

// Flush returns whatever text remains pending, trimmed, and resets the
// chunker. Called when the LLM stream finishes.
func (c *Chunker) Flush() string {
	text := strings.TrimSpace(c.pending.String())
	c.pending.Reset()
	return text
}

// Pending returns the amount of accumulated text awaiting a boundary.
func (c *Chunker) Pending() int {
	return c.pending.Len()
}

// cut tries to carve one chunk off the front of the pending text.
func (c *Chunker) cut() (string, bool) {
	text := c.pending.String()
	if text == "" {
		return "", false
	}

	if i := boundary(text, ".!?"); i >= 0 {
		return c.take(text, i), true
	}

	if c.counter.Count(text) < c.maxTokens {
		return "", false
	}

	// Over the limit: prefer a pause boundary, otherwise force the whole
	// pending text out so audio keeps flowing.
	if i := boundary(text, ",;:"); i >= 0 {
		return c.take(text, i), true
	}
	c.pending.Reset()
	return strings.TrimSpace(text), true
}

// take splits text after the boundary at index i, keeps the tail pending,
// and returns the head.
func (c *Chunker) take(text string, i int) string {
	head := strings.TrimSpace(text[:i+1])
	c.pending.Reset()
	c.pending.WriteString(strings.TrimLeft(text[i+1:], " \t\n\r"))
	return head
}

// boundary returns the index of the first rune from set that is followed by
// whitespace, or -1. Trailing punctuation with nothing after it does not
// count; the next delta may extend the sentence (e.g. "3." inside "3.5").
func boundary(text string, set string) int {
	for i := 0; i < len(text)-1; i++ {
		if strings.IndexByte(set, text[i]) >= 0 && isSpace(text[i+1]) {
			return i
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
