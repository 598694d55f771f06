// Package vad defines the frame scoring capability used by the voice gate.
// A Scorer turns one audio frame into an instantaneous speech probability;
// hysteresis and edge detection live in pkg/voice, not here.
package vad

import (
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Scorer computes the speech probability of a single audio frame.
// Implementations must be synchronous, non-blocking, and side-effect-free
// from the caller's perspective. A Scorer instance is owned by one session
// and need not be safe for concurrent use.
type Scorer interface {
	// Score returns the probability in [0, 1] that the frame contains speech.
	Score(frame rtc.AudioFrame) float32
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(frame rtc.AudioFrame) float32

func (f ScorerFunc) Score(frame rtc.AudioFrame) float32 {
	return f(frame)
}
