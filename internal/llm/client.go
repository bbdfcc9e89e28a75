// Package llm talks to chat-completion providers and adapts a dialog
// transcript into a single model response.
package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Chat sends a non-streaming chat completion request.
	Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
