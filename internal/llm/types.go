package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single request. A nil *Options uses provider defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	// JSON asks the provider to constrain output to a JSON object where
	// it supports that.
	JSON bool
}

// ChatResponse is the provider-neutral result of a chat call. Wire
// format conversion happens in each provider file.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

const defaultMaxTokens = 1024
