// Package llm defines the streaming language-model provider contract.
package llm

import (
	"context"
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// ChatRequest contains parameters for a streaming chat completion.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// TextDelta is one incremental unit of streamed model output.
type TextDelta struct {
	Text         string
	FinishReason string // non-empty on the terminal delta
	Err          error  // set when the stream failed mid-flight
}

// Capabilities describes an LLM provider.
type Capabilities struct {
	Streaming          bool
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM is the main interface for language model providers.
type LLM interface {
	// ChatStream starts a streaming completion for the given request.
	ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}

// ChatStream is an active completion. Deltas is single-consumer and ordered;
// the channel closes after the terminal delta or an error delta.
type ChatStream interface {
	// Deltas returns the ordered text delta channel.
	Deltas() <-chan TextDelta

	// Cancel aborts the completion. Best-effort and non-blocking; deltas
	// already in flight may still arrive and are the caller's to discard.
	Cancel()
}
