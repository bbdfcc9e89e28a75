package dialog

import (
	"context"

	"github.com/nugget/parley/internal/analytics"
	"github.com/nugget/parley/internal/clarify"
	"github.com/nugget/parley/internal/transcript"
)

// RecognitionEventKind classifies interim recognizer output.
type RecognitionEventKind int

// Recognition event kinds.
const (
	// RecognitionListening reports the microphone opened.
	RecognitionListening RecognitionEventKind = iota
	// RecognitionStopped reports the microphone closed.
	RecognitionStopped
	// RecognitionPartial carries an interim transcription.
	RecognitionPartial
)

// RecognitionEvent is interim output from a Recognizer.
type RecognitionEvent struct {
	Kind RecognitionEventKind
	Text string
}

// Recognizer turns one spoken utterance into text.
type Recognizer interface {
	// Listen blocks until a final result or failure. onEvent receives
	// interim events and may be called from any goroutine. Cancelling
	// ctx must stop the microphone.
	Listen(ctx context.Context, onEvent func(RecognitionEvent)) (string, error)
	StopListening()
}

// Synthesizer speaks text aloud.
type Synthesizer interface {
	// Speak blocks until playback completes or ctx is cancelled.
	Speak(ctx context.Context, text string) error
	StopSpeaking()
}

// Model produces a raw response for the transcript. An error or an
// empty string means no response was available.
type Model interface {
	Generate(ctx context.Context, entries []transcript.Entry) (string, error)
}

// ScreenDescriber describes what is on the device's screen.
type ScreenDescriber interface {
	DescribeScreen(ctx context.Context) (string, error)
}

// Executor carries out device automation tasks. At most one task runs
// at a time.
type Executor interface {
	IsRunning() bool
	CurrentTask() string
	// Available reports whether the device agent is connected and
	// permitted to act.
	Available() bool
	Start(ctx context.Context, instruction string) error
	Stop(ctx context.Context) error
}

// TaskRecorder is implemented by quotas that count dispatched tasks.
type TaskRecorder interface {
	RecordTask(ctx context.Context, conversationID, instruction string) error
}

// MemorySearcher finds stored memory snippets relevant to a query.
type MemorySearcher interface {
	Search(ctx context.Context, query string, topK int) ([]string, error)
}

// Clarifier judges whether an instruction needs follow-up questions.
type Clarifier interface {
	Analyze(ctx context.Context, instruction string, entries []transcript.Entry) (clarify.Result, error)
}

// MemoryExtractor saves durable memories from a finished conversation.
type MemoryExtractor interface {
	Extract(ctx context.Context, conversationID string, entries []transcript.Entry) error
}

// Analytics is a fire-and-forget conversation log.
type Analytics interface {
	ConversationStarted(id, mode string)
	Message(id, role, kind, content string)
	Event(id, name string, data map[string]any)
	ConversationEnded(id string, sum analytics.Summary)
}

type nopAnalytics struct{}

func (nopAnalytics) ConversationStarted(string, string)          {}
func (nopAnalytics) Message(string, string, string, string)      {}
func (nopAnalytics) Event(string, string, map[string]any)        {}
func (nopAnalytics) ConversationEnded(string, analytics.Summary) {}
