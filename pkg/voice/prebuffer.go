package voice

import (
	"time"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// DefaultPreBufferCapacity is the default amount of audio retained before a
// confirmed speech onset.
const DefaultPreBufferCapacity = 500 * time.Millisecond

// PreSpeechBuffer is a time-bounded ring of recent audio frames. While the
// session is idle it is overwritten continuously; on speech onset the
// orchestrator drains it and prepends the contents to the STT stream so the
// true start of the utterance is not lost to the gate's debounce lag.
//
// The buffer is owned by one session and is not safe for concurrent use.
type PreSpeechBuffer struct {
	capacity time.Duration
	frames   []rtc.AudioFrame
	duration time.Duration
}

// NewPreSpeechBuffer creates a buffer retaining at most capacity worth of audio.
func NewPreSpeechBuffer(capacity time.Duration) *PreSpeechBuffer {
	if capacity <= 0 {
		capacity = DefaultPreBufferCapacity
	}
	return &PreSpeechBuffer{capacity: capacity}
}

// Append records a frame, evicting the oldest frames until the retained
// duration fits the capacity again.
func (b *PreSpeechBuffer) Append(frame rtc.AudioFrame) {
	b.frames = append(b.frames, frame)
	b.duration += frame.Duration()

	start := 0
	for b.duration > b.capacity && start < len(b.frames) {
		b.duration -= b.frames[start].Duration()
		start++
	}
	if start > 0 {
		// Copy survivors to a fresh slice so evicted frames can be collected.
		fresh := make([]rtc.AudioFrame, len(b.frames)-start)
		copy(fresh, b.frames[start:])
		b.frames = fresh
	}
}

// Drain returns all buffered frames in original capture order and clears the
// buffer. Called exactly once per speech onset.
func (b *PreSpeechBuffer) Drain() []rtc.AudioFrame {
	out := b.frames
	b.frames = nil
	b.duration = 0
	return out
}

// Clear discards all buffered frames.
func (b *PreSpeechBuffer) Clear() {
	b.frames = nil
	b.duration = 0
}

// Len returns the number of buffered frames.
func (b *PreSpeechBuffer) Len() int {
	return len(b.frames)
}

// Duration returns the total duration of buffered audio.
func (b *PreSpeechBuffer) Duration() time.Duration {
	return b.duration
}
