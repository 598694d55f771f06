// Package fake provides scripted VAD scorers for testing.
package fake

import (
	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// ScriptedScorer replays a fixed sequence of probabilities, one per frame.
// After the script is exhausted it keeps returning the last value.
type ScriptedScorer struct {
	script []float32
	pos    int
}

// NewScriptedScorer creates a scorer that replays the given probabilities.
func NewScriptedScorer(script ...float32) *ScriptedScorer {
	if len(script) == 0 {
		script = []float32{0}
	}
	return &ScriptedScorer{script: script}
}

// Score returns the next scripted probability.
func (s *ScriptedScorer) Score(rtc.AudioFrame) float32 {
	p := s.script[s.pos]
	if s.pos < len(s.script)-1 {
		s.pos++
	}
	return p
}

// ConstScorer returns a fixed probability for every frame.
func ConstScorer(p float32) vad.Scorer {
	return vad.ScorerFunc(func(rtc.AudioFrame) float32 { return p })
}
