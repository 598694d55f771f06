// Package tokens provides token counting for the response chunker's forced
// flush threshold. The default counter approximates tokens by whitespace
// words; a HuggingFace tokenizer.json file can be loaded for exact counts.
package tokens

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Counter reports how many tokens a piece of text occupies.
type Counter interface {
	Count(text string) int
}

// WordCounter approximates token counts by whitespace-separated words.
// Cheap, deterministic, and close enough for chunk-size limiting.
type WordCounter struct{}

// Count returns the number of whitespace-separated fields in text.
func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// BPECounter counts tokens with a HuggingFace tokenizer loaded from a
// tokenizer.json file. The tokenizer is loaded lazily on first use.
type BPECounter struct {
	path string

	once sync.Once
	tk   *tokenizer.Tokenizer
	err  error
}

// NewBPECounter creates a counter backed by the tokenizer.json at path.
// The file is not read until the first Count call.
func NewBPECounter(path string) *BPECounter {
	return &BPECounter{path: path}
}

// Count returns the BPE token count of text. On tokenizer load or encode
// failure it falls back to the word approximation, so chunking keeps working
// when the model file is missing.
func (c *BPECounter) Count(text string) int {
	if err := c.load(); err != nil {
		return WordCounter{}.Count(text)
	}

	encoding, err := c.tk.EncodeSingle(text, false)
	if err != nil {
		return WordCounter{}.Count(text)
	}
	return len(encoding.GetIds())
}

func (c *BPECounter) load() error {
	c.once.Do(func() {
		if _, err := os.Stat(c.path); err != nil {
			c.err = fmt.Errorf("tokenizer file not found: %s", c.path)
			return
		}
		tk, err := pretrained.FromFile(c.path)
		if err != nil {
			c.err = fmt.Errorf("failed to load tokenizer: %w", err)
			return
		}
		c.tk = tk
	})
	return c.err
}
