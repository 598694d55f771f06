// Package tts defines the streaming text-to-speech provider contract.
// A stream consumes text chunks and produces ordered audio deltas.
package tts

import (
	"context"
)

// StreamConfig contains configuration for TTS streams.
type StreamConfig struct {
	Voice      string
	Language   string
	Speed      float32
	SampleRate int
}

// AudioDelta is one synthesized audio chunk. Index is the generation order
// within the stream, starting at zero.
type AudioDelta struct {
	Index int
	Data  []byte // 16-bit PCM, little-endian, at the configured sample rate
	Final bool   // true on the terminal delta (Data may be empty)
	Err   error  // set when synthesis failed mid-stream
}

// Capabilities describes a TTS provider.
type Capabilities struct {
	Streaming          bool
	SupportedLanguages []string
	SupportedVoices    []string
	SampleRates        []int
}

// TTS is the main interface for text-to-speech providers.
type TTS interface {
	// NewStream opens a synthesis session.
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}

// Stream is an active synthesis session. Deltas is single-consumer and
// ordered; the channel closes after the final or error delta.
type Stream interface {
	// Push submits a text chunk for synthesis.
	Push(text string) error

	// Deltas returns the ordered audio delta channel.
	Deltas() <-chan AudioDelta

	// CloseSend signals that no more text will be sent; remaining audio is
	// flushed and the delta channel closed.
	CloseSend() error

	// Cancel aborts synthesis. Best-effort and non-blocking.
	Cancel()
}
