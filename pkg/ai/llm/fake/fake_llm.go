// Package fake provides an in-memory LLM implementation for testing.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
)

// FakeLLM streams canned responses word by word.
type FakeLLM struct {
	responses []string

	// TokenDelay inserts a pause between deltas, simulating generation speed.
	TokenDelay time.Duration

	// Stall makes streams produce no deltas at all until cancelled. Useful
	// for exercising stage timeouts.
	Stall bool

	// Err makes ChatStream fail immediately with the given error.
	Err error

	mu        sync.Mutex
	callCount int
}

// NewFakeLLM creates a fake LLM with predefined responses, replayed in order.
func NewFakeLLM(responses ...string) *FakeLLM {
	if len(responses) == 0 {
		responses = []string{"This is a fake response. It has two sentences."}
	}
	return &FakeLLM{responses: responses}
}

// ChatStream starts streaming the next canned response.
func (f *FakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	f.mu.Lock()
	response := f.responses[f.callCount%len(f.responses)]
	f.callCount++
	f.mu.Unlock()

	s := &fakeStream{
		deltas: make(chan llm.TextDelta, 64),
		cancel: make(chan struct{}),
	}

	go s.run(ctx, response, f.TokenDelay, f.Stall)
	return s, nil
}

// Capabilities returns the fake LLM capabilities.
func (f *FakeLLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:          true,
		MaxTokens:          4096,
		SupportedModels:    []string{"fake-model"},
		SupportsSystemRole: true,
	}
}

// CallCount returns how many streams have been opened.
func (f *FakeLLM) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

type fakeStream struct {
	deltas     chan llm.TextDelta
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (s *fakeStream) Deltas() <-chan llm.TextDelta {
	return s.deltas
}

func (s *fakeStream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancel)
	})
}

func (s *fakeStream) run(ctx context.Context, response string, delay time.Duration, stall bool) {
	defer close(s.deltas)

	if stall {
		select {
		case <-ctx.Done():
		case <-s.cancel:
		}
		return
	}

	words := strings.Fields(response)
	for i, word := range words {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-s.cancel:
				return
			}
		}

		text := word
		if i < len(words)-1 {
			text += " "
		}

		delta := llm.TextDelta{Text: text}
		if i == len(words)-1 {
			delta.FinishReason = "stop"
		}

		select {
		case s.deltas <- delta:
		case <-ctx.Done():
			return
		case <-s.cancel:
			return
		}
	}
}
