package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/ai"
	"github.com/voiceloop/voiceloop/pkg/ai/llm"
)

// ChatLLM implements llm.LLM on the streaming chat completions API.
type ChatLLM struct {
	client *openai.Client
	model  string
}

// NewChatLLM creates a chat-completions LLM provider.
func NewChatLLM(cfg Config) (*ChatLLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &ChatLLM{client: openai.NewClient(cfg.APIKey), model: model}, nil
}

// ChatStream starts a streaming completion.
func (c *ChatLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, ai.NewUnavailableError(err, "chat completion stream failed to open")
	}

	s := &chatStream{
		stream: stream,
		deltas: make(chan llm.TextDelta, 64),
		cancel: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Capabilities returns the provider capabilities.
func (c *ChatLLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:          true,
		MaxTokens:          128000,
		SupportedModels:    []string{openai.GPT4oMini, openai.GPT4o, openai.GPT4Turbo},
		SupportsSystemRole: true,
	}
}

type chatStream struct {
	stream     *openai.ChatCompletionStream
	deltas     chan llm.TextDelta
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (s *chatStream) Deltas() <-chan llm.TextDelta {
	return s.deltas
}

func (s *chatStream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancel)
		s.stream.Close()
	})
}

func (s *chatStream) run() {
	defer close(s.deltas)
	defer s.stream.Close()

	finished := false
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if !finished {
				// Some models close the stream without a finish reason.
				s.emit(llm.TextDelta{FinishReason: "stop"})
			}
			return
		}
		if err != nil {
			select {
			case <-s.cancel:
				// Failure caused by our own teardown; nobody is listening.
			default:
				s.emit(llm.TextDelta{Err: ai.NewStreamError(err, "chat completion stream failed")})
			}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		d := llm.TextDelta{
			Text:         choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}
		if d.Text == "" && d.FinishReason == "" {
			continue
		}
		if d.FinishReason != "" {
			finished = true
		}
		if !s.emit(d) {
			return
		}
	}
}

func (s *chatStream) emit(d llm.TextDelta) bool {
	select {
	case s.deltas <- d:
		return true
	case <-s.cancel:
		return false
	}
}
