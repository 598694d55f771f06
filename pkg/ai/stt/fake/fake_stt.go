// Package fake provides an in-memory STT implementation for testing.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

const (
	// InterimFrameInterval controls how often interim results are emitted.
	InterimFrameInterval = 10
	// DefaultTranscript is used when no transcript is provided.
	DefaultTranscript = "this is a fake transcript"
)

// FakeSTT is a fake STT provider that replays a fixed transcript.
type FakeSTT struct {
	transcript string

	// FinalDelay postpones the final event after CloseSend, simulating
	// provider-side finalization latency.
	FinalDelay time.Duration

	// FailFinal makes CloseSend produce an error event instead of a final
	// transcript.
	FailFinal error
}

// NewFakeSTT creates a fake STT provider with a fixed transcript.
func NewFakeSTT(transcript string) *FakeSTT {
	if transcript == "" {
		transcript = DefaultTranscript
	}
	return &FakeSTT{transcript: transcript}
}

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	return &fakeStream{
		provider: f,
		cfg:      cfg,
		events:   make(chan stt.SpeechEvent, 16),
		ctx:      ctx,
	}, nil
}

// Capabilities returns the fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en-US", "en-GB"},
		SampleRates:        []int{16000},
	}
}

type fakeStream struct {
	provider   *FakeSTT
	cfg        stt.StreamConfig
	events     chan stt.SpeechEvent
	ctx        context.Context
	mu         sync.Mutex
	frameCount int
	closed     bool
}

// Push counts frames and emits an interim result every InterimFrameInterval.
func (s *fakeStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream is closed")
	}

	s.frameCount++
	if s.cfg.InterimResults && s.frameCount%InterimFrameInterval == 0 {
		n := len(s.provider.transcript) * s.frameCount / (InterimFrameInterval * 5)
		if n > len(s.provider.transcript) {
			n = len(s.provider.transcript)
		}
		s.emit(stt.SpeechEvent{
			Type:      stt.SpeechEventInterim,
			Text:      s.provider.transcript[:n],
			Language:  s.cfg.Lang,
			Timestamp: time.Now(),
		})
	}
	return nil
}

func (s *fakeStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend emits the final transcript (or the configured error) and closes
// the event channel.
func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	delay := s.provider.FinalDelay
	failErr := s.provider.FailFinal
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				close(s.events)
				return
			}
		}

		if failErr != nil {
			s.events <- stt.SpeechEvent{
				Type:      stt.SpeechEventError,
				Timestamp: time.Now(),
				Err:       failErr,
			}
		} else {
			s.events <- stt.SpeechEvent{
				Type:      stt.SpeechEventFinal,
				Text:      s.provider.transcript,
				IsFinal:   true,
				Language:  s.cfg.Lang,
				Timestamp: time.Now(),
			}
		}
		close(s.events)
	}()
	return nil
}

// Cancel closes the stream without producing a final transcript.
func (s *fakeStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *fakeStream) emit(ev stt.SpeechEvent) {
	select {
	case s.events <- ev:
	default:
		// Fake streams never block the pusher; drop when the consumer lags.
	}
}
