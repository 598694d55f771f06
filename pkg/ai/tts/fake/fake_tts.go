// Package fake provides an in-memory TTS implementation for testing.
package fake

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/tts"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// FakeTTS synthesizes a sine tone whose length is proportional to the text.
type FakeTTS struct {
	// ChunkDelay inserts a pause before each audio delta.
	ChunkDelay time.Duration
}

// NewFakeTTS creates a fake TTS provider.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{}
}

// NewStream creates a fake synthesis session.
func (f *FakeTTS) NewStream(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = rtc.DefaultSampleRate
	}
	return &fakeStream{
		provider:   f,
		sampleRate: sampleRate,
		deltas:     make(chan tts.AudioDelta, 16),
		ctx:        ctx,
	}, nil
}

// Capabilities returns the fake TTS capabilities.
func (f *FakeTTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en-US"},
		SupportedVoices:    []string{"fake-voice"},
		SampleRates:        []int{16000},
	}
}

type fakeStream struct {
	provider   *FakeTTS
	sampleRate int
	deltas     chan tts.AudioDelta
	ctx        context.Context
	mu         sync.Mutex
	index      int
	closed     bool
}

// Push synthesizes one audio delta per text chunk: a 440 Hz tone, 10 ms of
// audio per character.
func (s *fakeStream) Push(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream is closed")
	}

	if s.provider.ChunkDelay > 0 {
		select {
		case <-time.After(s.provider.ChunkDelay):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}

	samples := s.sampleRate * len(text) / 100
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * 440 * float64(i) / float64(s.sampleRate))
		sample := int16(v * 0.3 * 32767)
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}

	delta := tts.AudioDelta{Index: s.index, Data: data}
	s.index++

	select {
	case s.deltas <- delta:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *fakeStream) Deltas() <-chan tts.AudioDelta {
	return s.deltas
}

// CloseSend emits the terminal delta and closes the channel.
func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	select {
	case s.deltas <- tts.AudioDelta{Index: s.index, Final: true}:
	case <-s.ctx.Done():
	}
	close(s.deltas)
	return nil
}

// Cancel closes the stream without a terminal delta.
func (s *fakeStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.deltas)
}
