package voice

import (
	"testing"
	"time"

	vadfake "github.com/voiceloop/voiceloop/pkg/ai/vad/fake"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// frame20ms returns an empty 20 ms 16 kHz mono frame.
func frame20ms(seq uint64) rtc.AudioFrame {
	return rtc.AudioFrame{
		Seq:               seq,
		Data:              make([]byte, 640),
		SampleRate:        16000,
		SamplesPerChannel: 320,
		NumChannels:       1,
	}
}

func TestGate_OnsetDebounce(t *testing.T) {
	scorer := vadfake.NewScriptedScorer(0.9, 0.9, 0.9, 0.9)
	g := NewGate(scorer, GateConfig{Threshold: 0.5, OnsetFrames: 3, Hangover: 400 * time.Millisecond})

	var edges []Edge
	for i := 0; i < 4; i++ {
		d := g.Process(frame20ms(uint64(i)))
		edges = append(edges, d.Edge)
	}

	want := []Edge{EdgeNone, EdgeNone, EdgeSpeechOnset, EdgeNone}
	for i, e := range edges {
		if e != want[i] {
			t.Errorf("frame %d: expected edge %v, got %v", i, want[i], e)
		}
	}
	if !g.InSpeech() {
		t.Errorf("expected gate in speech after onset")
	}
}

func TestGate_TransientNoiseIgnored(t *testing.T) {
	// Two voiced frames, then silence: never reaches the 3-frame debounce.
	scorer := vadfake.NewScriptedScorer(0.9, 0.9, 0.1, 0.9, 0.9, 0.1)
	g := NewGate(scorer, GateConfig{Threshold: 0.5, OnsetFrames: 3, Hangover: 400 * time.Millisecond})

	for i := 0; i < 6; i++ {
		if d := g.Process(frame20ms(uint64(i))); d.Edge != EdgeNone {
			t.Fatalf("frame %d: unexpected edge %v", i, d.Edge)
		}
	}
}

func TestGate_HangoverBridgesShortPauses(t *testing.T) {
	// 3 voiced frames (onset), 10 silent frames (200 ms < 400 ms hangover),
	// then speech resumes: no end-of-speech edge.
	script := []float32{0.9, 0.9, 0.9}
	for i := 0; i < 10; i++ {
		script = append(script, 0.1)
	}
	script = append(script, 0.9, 0.9)

	g := NewGate(vadfake.NewScriptedScorer(script...), GateConfig{Threshold: 0.5, OnsetFrames: 3, Hangover: 400 * time.Millisecond})

	for i, n := 0, len(script); i < n; i++ {
		d := g.Process(frame20ms(uint64(i)))
		if d.Edge == EdgeEndOfSpeech {
			t.Fatalf("frame %d: premature end-of-speech inside short pause", i)
		}
	}
	if !g.InSpeech() {
		t.Errorf("expected gate still in speech after short pause")
	}
}

func TestGate_HangoverElapsed(t *testing.T) {
	// Onset then 20 silent frames (400 ms at 20 ms/frame) triggers end-of-speech.
	script := []float32{0.9, 0.9, 0.9}
	for i := 0; i < 20; i++ {
		script = append(script, 0.1)
	}

	g := NewGate(vadfake.NewScriptedScorer(script...), GateConfig{Threshold: 0.5, OnsetFrames: 3, Hangover: 400 * time.Millisecond})

	var gotEnd bool
	var endFrame int
	for i := range script {
		d := g.Process(frame20ms(uint64(i)))
		if d.Edge == EdgeEndOfSpeech {
			gotEnd = true
			endFrame = i
			break
		}
	}

	if !gotEnd {
		t.Fatalf("expected end-of-speech after hangover")
	}
	// Onset at frame 2; 20 silent frames follow, so the edge lands on frame 22.
	if endFrame != 22 {
		t.Errorf("expected end-of-speech at frame 22, got %d", endFrame)
	}
	if g.InSpeech() {
		t.Errorf("expected gate out of speech after hangover")
	}
}

func TestGate_Reset(t *testing.T) {
	g := NewGate(vadfake.ConstScorer(0.9), DefaultGateConfig())

	for i := 0; i < 5; i++ {
		g.Process(frame20ms(uint64(i)))
	}
	if !g.InSpeech() {
		t.Fatalf("expected gate in speech")
	}

	g.Reset()
	if g.InSpeech() {
		t.Errorf("expected gate idle after reset")
	}
}

func TestPreSpeechBuffer_CapacityBound(t *testing.T) {
	b := NewPreSpeechBuffer(500 * time.Millisecond)

	// 10 s of continuous 20 ms frames: the bound must hold throughout.
	for i := 0; i < 500; i++ {
		b.Append(frame20ms(uint64(i)))
		if b.Duration() > 500*time.Millisecond {
			t.Fatalf("frame %d: buffer exceeded capacity: %v", i, b.Duration())
		}
	}

	frames := b.Drain()
	if len(frames) != 25 {
		t.Fatalf("expected 25 frames (500ms / 20ms), got %d", len(frames))
	}

	// Oldest frames are the ones evicted: the survivors are the newest 25.
	if frames[0].Seq != 475 {
		t.Errorf("expected oldest surviving frame seq 475, got %d", frames[0].Seq)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq != frames[i-1].Seq+1 {
			t.Fatalf("frames out of order at %d: %d after %d", i, frames[i].Seq, frames[i-1].Seq)
		}
	}
}

func TestPreSpeechBuffer_DrainClears(t *testing.T) {
	b := NewPreSpeechBuffer(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		b.Append(frame20ms(uint64(i)))
	}

	if got := len(b.Drain()); got != 5 {
		t.Fatalf("expected 5 frames, got %d", got)
	}
	if b.Len() != 0 || b.Duration() != 0 {
		t.Errorf("expected empty buffer after drain")
	}
	if got := len(b.Drain()); got != 0 {
		t.Errorf("second drain should be empty, got %d frames", got)
	}
}
