// Package llm talks to OpenAI-compatible chat completion endpoints. It is the
// model backend for prompted cron turns and heartbeat checks.
package llm

import (
	"context"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	// Chat sends a chat completion request and waits for the whole reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream sends a chat completion request and returns the reply as it is
	// generated. The channel is closed after the last event.
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)

	// DefaultModel returns the model used when a request leaves it empty.
	DefaultModel() string
}

// Role represents the role of a message sender in the conversation.
type Role string

const (
	RoleSystem    Role = "system"    // System message provides context/instructions
	RoleUser      Role = "user"      // User message represents user input
	RoleAssistant Role = "assistant" // Assistant message represents model response
)

// Message represents a single message in the chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FinishReason indicates why the model stopped generating tokens.
type FinishReason string

const (
	FinishReasonStop   FinishReason = "stop"   // Model reached a natural stopping point
	FinishReasonLength FinishReason = "length" // Model exceeded max tokens
	FinishReasonError  FinishReason = "error"  // Generation stopped due to an error
)

// Usage tracks token usage information for the request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest represents a request to send to the LLM provider.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"` // Sampling temperature (0.0-2.0)
	MaxTokens   int       `json:"max_tokens"`
}

// ChatResponse represents a complete response from the LLM provider.
type ChatResponse struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`

	// Model is the actual model used for the completion (may differ from request)
	Model string `json:"model"`
}

// StreamEvent is one element of a streamed reply. Exactly one of Delta,
// Usage or Err is set; the final event of a successful stream has Done set.
type StreamEvent struct {
	Delta string
	Usage *Usage
	Err   error
	Done  bool
}
