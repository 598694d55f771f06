// Package voice contains the session-local speech front end: the VAD gate
// that turns per-frame speech probabilities into debounced onset and
// end-of-speech edges, and the pre-speech buffer that preserves audio
// captured before the gate confirms an onset.
package voice

import (
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Edge is the state-transition component of a gate decision.
type Edge int

const (
	// EdgeNone means no transition occurred on this frame.
	EdgeNone Edge = iota
	// EdgeSpeechOnset means the debounce run completed on this frame.
	EdgeSpeechOnset
	// EdgeEndOfSpeech means the hangover elapsed on this frame.
	EdgeEndOfSpeech
)

func (e Edge) String() string {
	switch e {
	case EdgeSpeechOnset:
		return "speech-onset"
	case EdgeEndOfSpeech:
		return "end-of-speech"
	default:
		return "none"
	}
}

// Decision is the gate's per-frame output.
type Decision struct {
	Probability float32 // instantaneous speech probability from the scorer
	Speech      bool    // label after hysteresis
	Edge        Edge
}

// GateConfig holds the gate's tuning parameters.
type GateConfig struct {
	// Threshold is the probability at or above which a frame counts as speech.
	Threshold float32

	// OnsetFrames is the number of consecutive speech frames required to
	// confirm an onset (debounce against transient noise).
	OnsetFrames int

	// Hangover is the minimum duration of continuous silence required to
	// confirm end-of-speech, so brief pauses inside an utterance do not
	// truncate it.
	Hangover time.Duration
}

// DefaultGateConfig returns the stock tuning: 0.5 threshold, 3-frame
// debounce, 400 ms hangover.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Threshold:   0.5,
		OnsetFrames: 3,
		Hangover:    400 * time.Millisecond,
	}
}

// Gate applies asymmetric hysteresis over an injected frame scorer. Onset
// requires OnsetFrames consecutive frames at or above the threshold;
// end-of-speech requires Hangover worth of consecutive frames below it.
//
// A Gate is owned by one session and is not safe for concurrent use. It only
// emits decisions; it never touches the turn or the pre-speech buffer.
type Gate struct {
	cfg    GateConfig
	scorer vad.Scorer

	inSpeech   bool
	onsetRun   int
	silenceAcc time.Duration
}

// NewGate creates a gate over the given scorer.
func NewGate(scorer vad.Scorer, cfg GateConfig) *Gate {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.OnsetFrames <= 0 {
		cfg.OnsetFrames = 3
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = 400 * time.Millisecond
	}
	return &Gate{cfg: cfg, scorer: scorer}
}

// Process scores one frame and advances the hysteresis state.
func (g *Gate) Process(frame rtc.AudioFrame) Decision {
	p := g.scorer.Score(frame)
	voiced := p >= g.cfg.Threshold

	d := Decision{Probability: p, Speech: g.inSpeech}

	if g.inSpeech {
		if voiced {
			g.silenceAcc = 0
		} else {
			g.silenceAcc += frame.Duration()
			if g.silenceAcc >= g.cfg.Hangover {
				g.inSpeech = false
				g.silenceAcc = 0
				g.onsetRun = 0
				d.Speech = false
				d.Edge = EdgeEndOfSpeech
			}
		}
		return d
	}

	if voiced {
		g.onsetRun++
		if g.onsetRun >= g.cfg.OnsetFrames {
			g.inSpeech = true
			g.onsetRun = 0
			g.silenceAcc = 0
			d.Speech = true
			d.Edge = EdgeSpeechOnset
		}
	} else {
		g.onsetRun = 0
	}
	return d
}

// InSpeech reports whether the gate currently labels the stream as speech.
func (g *Gate) InSpeech() bool {
	return g.inSpeech
}

// Reset clears all rolling counters.
func (g *Gate) Reset() {
	g.inSpeech = false
	g.onsetRun = 0
	g.silenceAcc = 0
}
