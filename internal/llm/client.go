// Package llm provides the chat-completion clients the backend uses to
// generate honeypot responses.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is implemented by every provider.
type Client interface {
	// Chat sends the conversation and returns the model's reply.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Options are optional generation parameters. Zero values leave the
// provider default in place.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the provider-neutral result of one completion.
type ChatResponse struct {
	Provider  string
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	// TotalDuration is populated when the provider reports it.
	TotalDuration time.Duration
}
