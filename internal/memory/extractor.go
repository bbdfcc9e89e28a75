package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/decision"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/transcript"
)

const (
	// knownLimit bounds how many stored memories are shown to the model
	// as already known.
	knownLimit = 50
	// maxExtracted caps what one conversation may add.
	maxExtracted = 10
	// maxMemoryLen drops runaway "memories" that are really paragraphs.
	maxMemoryLen = 200
)

// Extractor asks a model for durable facts at the end of a
// conversation and saves them. Failures are returned but are never
// fatal to the conversation.
type Extractor struct {
	store   *Store
	client  llm.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExtractor creates an Extractor that saves into store.
func NewExtractor(store *Store, client llm.Client, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:   store,
		client:  client,
		model:   model,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// SetTimeout configures the model call timeout.
func (e *Extractor) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Extract reads the conversation and stores any new memories.
func (e *Extractor) Extract(ctx context.Context, conversationID string, entries []transcript.Entry) error {
	if len(entries) < 2 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	known, err := e.store.List(ctx, knownLimit)
	if err != nil {
		return fmt.Errorf("list known memories: %w", err)
	}
	var lines []string
	for _, m := range known {
		lines = append(lines, "- "+m.Content)
	}

	prompt := prompts.MemoryExtractionPrompt(strings.Join(lines, "\n"), transcript.Text(entries))
	raw, err := llm.Complete(ctx, e.client, e.model, prompt, &llm.Options{JSON: true})
	if err != nil {
		e.logger.Warn("memory extraction call failed", "error", err)
		return fmt.Errorf("memory extraction call: %w", err)
	}

	found, err := ParseMemories(raw)
	if err != nil {
		e.logger.Warn("memory extraction returned malformed output", "error", err)
		return err
	}
	if len(found) == 0 {
		e.logger.Debug("extraction found nothing worth remembering", "conversation_id", conversationID)
		return nil
	}

	saved := 0
	for _, content := range found {
		added, err := e.store.Add(ctx, content, "conversation", conversationID)
		if err != nil {
			e.logger.Warn("failed to save extracted memory", "error", err)
			continue
		}
		if added {
			saved++
			e.logger.Debug("memory saved", "content", content)
		}
	}
	e.logger.Info("memories extracted from conversation",
		"conversation_id", conversationID,
		"saved", saved,
		"total_extracted", len(found),
	)
	return nil
}

// ParseMemories reads {"memories": [...]} from a model response,
// tolerating code fences. Blank and overlong entries are dropped.
func ParseMemories(raw string) ([]string, error) {
	var payload struct {
		Memories []string `json:"memories"`
	}
	if err := json.Unmarshal([]byte(decision.StripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("parse memories: %w", err)
	}

	var out []string
	for _, m := range payload.Memories {
		m = strings.TrimSpace(m)
		if m == "" || len(m) > maxMemoryLen {
			continue
		}
		out = append(out, m)
		if len(out) == maxExtracted {
			break
		}
	}
	return out, nil
}
