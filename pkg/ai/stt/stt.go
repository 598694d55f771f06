// Package stt defines the streaming speech-to-text provider contract.
// A stream consumes ordered audio frames and produces ordered transcript
// deltas (interim and final) on a single-consumer channel.
package stt

import (
	"context"
	"time"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	SampleRate     int
	NumChannels    int
	Lang           string
	InterimResults bool
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventInterim represents partial transcription results that may change.
	SpeechEventInterim SpeechEventType = iota
	// SpeechEventFinal represents the final transcript that won't change.
	SpeechEventFinal
	// SpeechEventError represents a transcription failure.
	SpeechEventError
)

// SpeechEvent is one transcript delta from an STT stream.
type SpeechEvent struct {
	Type      SpeechEventType
	Text      string
	IsFinal   bool
	Language  string
	Timestamp time.Time
	Err       error // set only for SpeechEventError
}

// Capabilities describes an STT provider.
type Capabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedLanguages []string
	SampleRates        []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	// NewStream opens a streaming recognition session.
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}

// Stream is an active STT session. Events is single-consumer and ordered;
// the channel closes after a final or error event.
type Stream interface {
	// Push submits an audio frame for recognition.
	Push(frame rtc.AudioFrame) error

	// Events returns the ordered transcript delta channel.
	Events() <-chan SpeechEvent

	// CloseSend signals that no more audio will be sent; the provider flushes
	// the final transcript and then closes the event channel.
	CloseSend() error

	// Cancel aborts the session without waiting for a final transcript.
	// Cancellation is best-effort and non-blocking.
	Cancel()
}
