// Package openai provides OpenAI-backed providers: Whisper for
// speech-to-text, streaming chat completions for the LLM stage, and the
// speech API for text-to-speech.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/ai"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/audio/wav"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// minTranscribeDuration is the shortest clip Whisper accepts.
const minTranscribeDuration = 100 * time.Millisecond

// Config holds the shared OpenAI provider configuration.
type Config struct {
	APIKey   string
	Model    string
	Language string
	Voice    string
}

// WhisperSTT implements stt.STT on the Whisper transcription API. Whisper is
// a batch API, so the stream buffers the utterance and transcribes it in one
// request when the sender closes; there are no interim results.
type WhisperSTT struct {
	client   *openai.Client
	model    string
	language string
}

// NewWhisperSTT creates a Whisper-backed STT provider.
func NewWhisperSTT(cfg Config) (*WhisperSTT, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperSTT{
		client:   openai.NewClient(cfg.APIKey),
		model:    model,
		language: cfg.Language,
	}, nil
}

// NewStream opens a buffering recognition session.
func (w *WhisperSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	return &whisperStream{
		provider: w,
		ctx:      ctx,
		cfg:      cfg,
		events:   make(chan stt.SpeechEvent, 4),
		done:     make(chan struct{}),
	}, nil
}

// Capabilities returns the Whisper capabilities.
func (w *WhisperSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          false,
		InterimResults:     false,
		SupportedLanguages: []string{"en", "de", "es", "fr", "it", "ja", "ko", "pt", "zh"},
		SampleRates:        []int{16000, 22050, 44100, 48000},
	}
}

type whisperStream struct {
	provider *WhisperSTT
	ctx      context.Context
	cfg      stt.StreamConfig

	events     chan stt.SpeechEvent
	done       chan struct{}
	doneOnce   sync.Once
	eventsOnce sync.Once

	mu     sync.Mutex
	frames []rtc.AudioFrame
	closed bool
}

func (s *whisperStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *whisperStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend transcribes the buffered utterance and emits the final result.
func (s *whisperStream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()

	go s.finish(frames)
	return nil
}

// Cancel aborts without a final transcript. The event channel is left to the
// finisher (or the garbage collector); consumers stop via their own teardown,
// so closing it here would race an in-flight emit.
func (s *whisperStream) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *whisperStream) finish(frames []rtc.AudioFrame) {
	defer s.eventsOnce.Do(func() { close(s.events) })

	var total time.Duration
	for _, f := range frames {
		total += f.Duration()
	}
	if total < minTranscribeDuration {
		s.emit(stt.SpeechEvent{Type: stt.SpeechEventFinal, IsFinal: true, Timestamp: time.Now()})
		return
	}

	data, err := wav.EncodeFrames(frames)
	if err != nil {
		s.emit(stt.SpeechEvent{
			Type: stt.SpeechEventError, Timestamp: time.Now(),
			Err: ai.NewStreamError(err, "encoding utterance failed"),
		})
		return
	}

	resp, err := s.provider.client.CreateTranscription(s.ctx, openai.AudioRequest{
		Model:    s.provider.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(data),
		Language: s.provider.language,
	})
	if err != nil {
		s.emit(stt.SpeechEvent{
			Type: stt.SpeechEventError, Timestamp: time.Now(),
			Err: ai.NewStreamError(err, "transcription request failed"),
		})
		return
	}

	s.emit(stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		Text:      resp.Text,
		IsFinal:   true,
		Language:  resp.Language,
		Timestamp: time.Now(),
	})
}

func (s *whisperStream) emit(ev stt.SpeechEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-s.ctx.Done():
	}
}
