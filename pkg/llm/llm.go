// Package llm defines the provider-neutral completion interface, classified
// error types, and retry policy shared by the provider adapters in
// pkg/llm/anthropic, pkg/llm/google, and pkg/llm/openai.
package llm

import (
	"context"
)

// CompletionRole is the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage is one message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
}

// CompletionRequest is a provider-neutral completion request.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Model       string
	Temperature float32
	MaxTokens   int
}

// CompletionResponse carries the completion plus provider-reported usage.
type CompletionResponse struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// Result is the outcome the router hands back to callers: success or a
// terminal classified failure, plus accounting fields for the quota manager
// and metrics recorder.
type Result struct {
	Success      bool
	Output       string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
	Error        error
}

// Client generates completions for one provider.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Adapter is the surface the router depends on. Each provider adapter wraps
// its Client with availability checks and classified-error retry.
type Adapter interface {
	Name() string
	IsAvailable() bool
	ExecuteWithRetry(ctx context.Context, req CompletionRequest) Result
}

// Embedder produces embedding vectors for history retrieval. Optional: a nil
// embedder degrades history search to recency order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}
