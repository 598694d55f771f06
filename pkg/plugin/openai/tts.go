package openai

import (
	"context"
	"fmt"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/ai"
	"github.com/voiceloop/voiceloop/pkg/ai/tts"
)

// speechChunkSize is the PCM read granularity per audio delta.
const speechChunkSize = 4096

// SpeechTTS implements tts.TTS on the speech API. Synthesis returns raw PCM
// at 24 kHz mono regardless of the requested sample rate.
type SpeechTTS struct {
	client *openai.Client
	model  string
	voice  string
}

// NewSpeechTTS creates a speech-API TTS provider.
func NewSpeechTTS(cfg Config) (*SpeechTTS, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	voice := cfg.Voice
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &SpeechTTS{client: openai.NewClient(cfg.APIKey), model: model, voice: voice}, nil
}

// NewStream opens a synthesis session. Each pushed chunk becomes one speech
// request; audio deltas stream out as the response body is read.
func (t *SpeechTTS) NewStream(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &speechStream{
		provider: t,
		ctx:      ctx,
		cancelFn: cancel,
		voice:    t.voice,
		speed:    cfg.Speed,
		texts:    make(chan string, 16),
		deltas:   make(chan tts.AudioDelta, 16),
	}
	if cfg.Voice != "" {
		s.voice = cfg.Voice
	}
	go s.run()
	return s, nil
}

// Capabilities returns the provider capabilities.
func (t *SpeechTTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en"},
		SupportedVoices: []string{
			string(openai.VoiceAlloy), string(openai.VoiceEcho), string(openai.VoiceFable),
			string(openai.VoiceOnyx), string(openai.VoiceNova), string(openai.VoiceShimmer),
		},
		SampleRates: []int{24000},
	}
}

type speechStream struct {
	provider *SpeechTTS
	ctx      context.Context
	cancelFn context.CancelFunc
	voice    string
	speed    float32

	texts  chan string
	deltas chan tts.AudioDelta

	mu     sync.Mutex
	closed bool
}

func (s *speechStream) Push(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream is closed")
	}
	s.mu.Unlock()

	select {
	case s.texts <- text:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *speechStream) Deltas() <-chan tts.AudioDelta {
	return s.deltas
}

// CloseSend marks the text stream finished; the terminal delta follows the
// last synthesized chunk.
func (s *speechStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.texts)
	return nil
}

// Cancel aborts synthesis, including any request in flight.
func (s *speechStream) Cancel() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.texts)
	}
	s.mu.Unlock()
	s.cancelFn()
}

func (s *speechStream) run() {
	defer close(s.deltas)
	defer s.cancelFn()

	index := 0
	for {
		select {
		case text, ok := <-s.texts:
			if !ok {
				s.emit(tts.AudioDelta{Index: index, Final: true})
				return
			}
			n, err := s.synthesize(text, index)
			if err != nil {
				s.emit(tts.AudioDelta{Err: err})
				return
			}
			index += n
		case <-s.ctx.Done():
			return
		}
	}
}

// synthesize runs one speech request and streams its PCM out in chunks.
// Returns the number of deltas emitted.
func (s *speechStream) synthesize(text string, index int) (int, error) {
	req := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.provider.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if s.speed > 0 {
		req.Speed = float64(s.speed)
	}

	resp, err := s.provider.client.CreateSpeech(s.ctx, req)
	if err != nil {
		return 0, ai.NewStreamError(err, "speech request failed")
	}
	defer resp.Close()

	emitted := 0
	buf := make([]byte, speechChunkSize)
	for {
		n, err := resp.Read(buf)
		if n > 0 {
			if !s.emit(tts.AudioDelta{Index: index + emitted, Data: append([]byte(nil), buf[:n]...)}) {
				return emitted, nil
			}
			emitted++
		}
		if err == io.EOF {
			return emitted, nil
		}
		if err != nil {
			return emitted, ai.NewStreamError(err, "reading speech response failed")
		}
	}
}

func (s *speechStream) emit(d tts.AudioDelta) bool {
	select {
	case s.deltas <- d:
		return true
	case <-s.ctx.Done():
		return false
	}
}
