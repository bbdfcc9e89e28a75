// Package clarify decides whether a task instruction is specific enough
// to hand to the executor, and if not, which questions to ask first.
package clarify

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

// Analysis statuses returned by the model.
const (
	StatusClear              = "CLEAR"
	StatusNeedsClarification = "NEEDS_CLARIFICATION"
)

const maxQuestions = 2

// Result is the outcome of one analysis.
type Result struct {
	NeedsClarification bool
	Questions          []string
}

// Analyzer asks a model to judge instructions.
type Analyzer struct {
	client  llm.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewAnalyzer creates an Analyzer that uses model through client.
func NewAnalyzer(client llm.Client, model string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client:  client,
		model:   model,
		timeout: 20 * time.Second,
		logger:  logger,
	}
}

// Analyze judges instruction in the context of the conversation so
// far. Any failure is reported as an error; callers treat that as
// clear.
func (a *Analyzer) Analyze(ctx context.Context, instruction string, entries []transcript.Entry) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := prompts.ClarificationPrompt(instruction, transcript.Text(entries))
	raw, err := llm.Complete(ctx, a.client, a.model, prompt, &llm.Options{JSON: true})
	if err != nil {
		return Result{}, fmt.Errorf("clarification call: %w", err)
	}

	res, err := ParseResult(raw)
	if err != nil {
		return Result{}, err
	}
	a.logger.Debug("clarification analysis",
		"instruction", instruction,
		"needs_clarification", res.NeedsClarification,
		"questions", len(res.Questions),
	)
	return res, nil
}

// ParseResult interprets a model analysis. Clarification is needed
// only when the status says so and at least one question is present.
func ParseResult(raw string) (Result, error) {
	var payload struct {
		Status    string   `json:"status"`
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(decision.StripFences(raw)), &payload); err != nil {
		return Result{}, fmt.Errorf("parse clarification: %w", err)
	}

	var questions []string
	for _, q := range payload.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
	}
	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}

	needs := strings.EqualFold(strings.TrimSpace(payload.Status), StatusNeedsClarification) && len(questions) > 0
	if !needs {
		return Result{}, nil
	}
	return Result{NeedsClarification: true, Questions: questions}, nil
}

// Question composes the spoken clarification.
func Question(questions []string) string {
	return "I can help with that, but first: " + strings.Join(questions, " and ")
}
