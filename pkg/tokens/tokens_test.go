package tokens

import (
	"testing"

	"github.com/matryer/is"
)

func TestWordCounter(t *testing.T) {
	is := is.New(t)

	c := WordCounter{}
	is.Equal(c.Count(""), 0)
	is.Equal(c.Count("hello"), 1)
	is.Equal(c.Count("turn the lights on"), 4)
	is.Equal(c.Count("  spaced   out  "), 2)
}

func TestBPECounter_FallsBackWithoutModel(t *testing.T) {
	is := is.New(t)

	c := NewBPECounter("/nonexistent/tokenizer.json")
	is.Equal(c.Count("turn the lights on"), 4) // word fallback
}
