package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/parley/internal/transcript"
)

// ErrUnavailable is returned when the model server is known to be down
// or every attempt failed.
var ErrUnavailable = errors.New("model unavailable")

// Readiness reports whether a dependency is currently reachable.
// *connwatch.Watcher satisfies it.
type Readiness interface {
	IsReady() bool
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Client Client
	Model  string

	// MaxRetries is the number of attempts after the first (default 0).
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between tries.
	RetryDelay time.Duration

	// Options are passed to every request.
	Options *Options

	// Health, when set, makes Generate fail fast while the model
	// server is down instead of waiting out every retry.
	Health Readiness

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Generator turns a dialog transcript into one model response.
type Generator struct {
	cfg    GeneratorConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewGenerator creates a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/nugget/parley/internal/llm")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Generator{cfg: cfg, logger: logger, tracer: tracer}
}

// Messages maps transcript entries to chat messages. Entry 0 becomes
// the system message; model entries become assistant messages.
func Messages(entries []transcript.Entry) []Message {
	msgs := make([]Message, 0, len(entries))
	for i, e := range entries {
		role := RoleUser
		switch {
		case i == 0:
			role = RoleSystem
		case e.Role == transcript.RoleModel:
			role = RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Content: e.Content})
	}
	return msgs
}

// Generate sends the transcript to the model and returns the response
// text. It retries failed or empty responses with a linearly growing
// delay and returns ErrUnavailable once attempts are exhausted.
func (g *Generator) Generate(ctx context.Context, entries []transcript.Entry) (string, error) {
	ctx, span := g.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("llm.model", g.cfg.Model),
		attribute.Int("llm.messages", len(entries)),
	))
	defer span.End()

	if g.cfg.Health != nil && !g.cfg.Health.IsReady() {
		span.SetStatus(codes.Error, "model server down")
		return "", fmt.Errorf("%w: model server not ready", ErrUnavailable)
	}

	msgs := Messages(entries)
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.cfg.RetryDelay * time.Duration(attempt)
			g.logger.Debug("retrying model call", "attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				span.SetStatus(codes.Error, "cancelled")
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := g.cfg.Client.Chat(ctx, g.cfg.Model, msgs, g.cfg.Options)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			continue
		}
		text := strings.TrimSpace(resp.Message.Content)
		if text == "" {
			lastErr = errors.New("empty response")
			continue
		}

		span.SetAttributes(
			attribute.Int("llm.attempts", attempt+1),
			attribute.Int("llm.input_tokens", resp.InputTokens),
			attribute.Int("llm.output_tokens", resp.OutputTokens),
		)
		return text, nil
	}

	g.logger.Warn("model call failed", "model", g.cfg.Model, "attempts", g.cfg.MaxRetries+1, "error", lastErr)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "attempts exhausted")
	return "", fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// Complete sends a single user prompt and returns the response text
// without retries. Used for side analyses such as clarification and
// memory extraction.
func Complete(ctx context.Context, client Client, model, prompt string, opts *Options) (string, error) {
	resp, err := client.Chat(ctx, model, []Message{{Role: RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
