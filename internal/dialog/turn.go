package dialog

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/parley/internal/clarify"
	"github.com/nugget/parley/internal/decision"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/transcript"
)

const (
	inputMemoryTopK = 5
	nameMemoryTopK  = 2
	nameMemoryQuery = "name"

	// maxNewMemories caps how many snippets one turn may surface.
	maxNewMemories = 20
)

// processInput runs one turn for input that arrived by modality. Any
// panic along the way ends the session with an apology instead of
// taking the process down.
func (s *Session) processInput(ctx context.Context, text string, modality Mode) {
	ctx, span := s.tracer.Start(ctx, "dialog.turn", trace.WithAttributes(
		attribute.String("conversation.id", s.id),
		attribute.String("dialog.modality", modality.String()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.logger.Error("turn panicked", "error", err, "stack", string(debug.Stack()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			s.fail(ctx, err)
		}
	}()

	s.setState(StateProcessing)
	s.surface.ClearClarification()
	s.surface.ShowThinking()
	defer s.surface.HideThinking()

	if err := s.turn(ctx, text, modality); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, err)
	}
}

func (s *Session) turn(ctx context.Context, text string, modality Mode) error {
	s.refreshPrompt(ctx, text)
	if ctx.Err() != nil {
		return nil
	}

	s.transcript.Append(transcript.RoleUser, text)
	s.messages++
	s.analytics.Message(s.id, string(transcript.RoleUser), kindInput, text)
	s.bus.Emit(events.SourceDialog, events.KindUserInput, map[string]any{
		"text": text,
		"mode": modality.String(),
	})

	if isStopCommand(text) {
		s.logger.Info("stop command received")
		s.trackModel(farewellText, kindFarewell)
		s.endGraceful(ctx, EndCommand, farewellText)
		return nil
	}

	raw, err := s.cfg.Model.Generate(ctx, s.transcript.Entries())
	if ctx.Err() != nil {
		return nil
	}
	if err != nil || strings.TrimSpace(raw) == "" {
		s.logger.Warn("no model response, using fallback", "error", err)
		raw = decision.FallbackResponse
	}

	d := decision.Parse(raw)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("dialog.decision", string(d.Kind)))
	s.logger.Debug("decision", "decision", d.String())
	s.analytics.Event(s.id, "user_input_processed", map[string]any{
		"type":       string(d.Kind),
		"should_end": d.ShouldEnd,
	})
	s.bus.Emit(events.SourceDialog, events.KindDecision, map[string]any{
		"type":        string(d.Kind),
		"reply":       d.ReplyText,
		"instruction": d.Instruction,
		"should_end":  d.ShouldEnd,
	})

	switch d.Kind {
	case decision.Task:
		return s.handleTask(ctx, d, raw)
	case decision.KillTask:
		return s.handleKillTask(ctx, d, raw)
	default:
		s.handleReply(ctx, d, raw)
		return nil
	}
}

func (s *Session) handleReply(ctx context.Context, d decision.Decision, raw string) {
	s.transcript.Append(transcript.RoleModel, raw)
	s.trackModel(d.ReplyText, kindReply)

	if d.ShouldEnd {
		s.endGraceful(ctx, EndModelEnded, d.ReplyText)
		return
	}
	s.analytics.Event(s.id, "conversational_reply", nil)
	s.speak(ctx, d.ReplyText)
}

func (s *Session) handleTask(ctx context.Context, d decision.Decision, raw string) error {
	s.tasksRequested++
	s.analytics.Event(s.id, "task_requested", map[string]any{"instruction": d.Instruction})

	ex := s.cfg.Executor
	if ex != nil && ex.IsRunning() {
		running := ex.CurrentTask()
		s.logger.Info("task rejected, executor busy", "running", running, "instruction", d.Instruction)
		s.analytics.Event(s.id, "task_rejected_agent_busy", map[string]any{"running_task": running})
		s.say(ctx, fmt.Sprintf(busyTemplate, running), kindBusy)
		return nil
	}
	if ex == nil || !ex.Available() {
		s.logger.Info("task rejected, executor unavailable", "instruction", d.Instruction)
		s.analytics.Event(s.id, "task_rejected_permission", nil)
		s.say(ctx, permissionText, kindPermission)
		return nil
	}
	if !s.policy.CanPerformTask(ctx) {
		s.logger.Info("task rejected, quota exhausted", "instruction", d.Instruction)
		s.analytics.Event(s.id, "task_rejected_freemium_limit", nil)
		s.say(ctx, quotaExhaustedText, kindQuota)
		return nil
	}

	if s.cfg.Clarifier != nil && s.policy.CanClarify() {
		res, err := s.cfg.Clarifier.Analyze(ctx, d.Instruction, s.transcript.Entries())
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			s.logger.Warn("clarification analysis failed, treating as clear", "error", err)
		case res.NeedsClarification:
			s.policy.RecordClarification()
			s.logger.Info("clarification needed",
				"instruction", d.Instruction,
				"questions", len(res.Questions),
				"attempt", s.policy.Clarifications())
			s.analytics.Event(s.id, "task_clarification_needed", map[string]any{
				"instruction": d.Instruction,
				"questions":   res.Questions,
			})
			s.surface.ShowClarification(res.Questions)
			s.say(ctx, clarify.Question(res.Questions), kindClarification)
			return nil
		}
	}

	return s.dispatch(ctx, ex, d, raw)
}

func (s *Session) dispatch(ctx context.Context, ex Executor, d decision.Decision, raw string) error {
	if err := ex.Start(ctx, d.Instruction); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	s.tasksExecuted++

	if rec, ok := s.cfg.Quota.(TaskRecorder); ok {
		if err := rec.RecordTask(ctx, s.id, d.Instruction); err != nil {
			s.logger.Warn("failed to record task against quota", "error", err)
		}
	}

	event := "task_executed"
	if s.policy.Clarifications() > 0 && !s.policy.CanClarify() {
		event = "task_executed_max_clarification"
	}
	s.logger.Info("task dispatched", "instruction", d.Instruction, "clarifications", s.policy.Clarifications())
	s.analytics.Event(s.id, event, map[string]any{"instruction": d.Instruction})
	s.bus.Emit(events.SourceExecutor, events.KindTaskDispatched, map[string]any{
		"instruction":     d.Instruction,
		"conversation_id": s.id,
	})

	s.transcript.Append(transcript.RoleModel, raw)
	s.trackModel(d.ReplyText, kindTaskConfirmation)
	s.endGraceful(ctx, EndTaskExecuted, d.ReplyText)
	return nil
}

func (s *Session) handleKillTask(ctx context.Context, d decision.Decision, raw string) error {
	s.analytics.Event(s.id, "kill_task_requested", nil)

	ex := s.cfg.Executor
	if ex == nil || !ex.IsRunning() {
		s.say(ctx, noTaskRunningText, kindKillTaskResponse)
		return nil
	}

	task := ex.CurrentTask()
	if err := ex.Stop(ctx); err != nil {
		return fmt.Errorf("stopping task %q: %w", task, err)
	}
	s.logger.Info("task stopped", "task", task)
	s.bus.Emit(events.SourceExecutor, events.KindTaskStopped, map[string]any{"task": task})

	s.transcript.Append(transcript.RoleModel, raw)
	s.trackModel(d.ReplyText, kindKillTaskResponse)
	s.endGraceful(ctx, EndTaskKilled, d.ReplyText)
	return nil
}

// say speaks a message the assistant composed itself and records it
// as a model turn.
func (s *Session) say(ctx context.Context, text, kind string) {
	s.transcript.Append(transcript.RoleModel, text)
	s.trackModel(text, kind)
	s.speak(ctx, text)
}

func (s *Session) trackModel(text, kind string) {
	s.messages++
	s.analytics.Message(s.id, string(transcript.RoleModel), kind, text)
}

// refreshPrompt re-renders the system prompt for the coming model call.
func (s *Session) refreshPrompt(ctx context.Context, input string) {
	s.transcript.Refresh(map[string]string{
		transcript.AgentStatus: s.agentStatus(),
		transcript.Screen:      s.screenContext(ctx),
		transcript.Memory:      s.memoryContext(ctx, input),
		transcript.Time:        timePrefix + s.now().In(s.loc).Format(timeLayout),
	})
}

func (s *Session) agentStatus() string {
	if ex := s.cfg.Executor; ex != nil && ex.IsRunning() {
		return fmt.Sprintf(agentRunningTemplate, ex.CurrentTask())
	}
	return agentIdleText
}

func (s *Session) screenContext(ctx context.Context) string {
	if s.cfg.Screen == nil {
		return screenUnavailable
	}
	desc, err := s.cfg.Screen.DescribeScreen(ctx)
	if err != nil {
		s.logger.Debug("screen description unavailable", "error", err)
		return screenUnavailable
	}
	return desc
}

// memoryContext returns every snippet surfaced so far this session.
// A snippet is added to the list at most once.
func (s *Session) memoryContext(ctx context.Context, input string) string {
	if !s.cfg.MemoryEnabled || s.cfg.Memory == nil {
		if s.cfg.UserName != "" {
			return "User name is " + s.cfg.UserName
		}
		return ""
	}

	found := s.searchMemory(ctx, input, inputMemoryTopK)
	if !s.heardFirst {
		s.heardFirst = true
		found = append(found, s.searchMemory(ctx, nameMemoryQuery, nameMemoryTopK)...)
	}

	added := 0
	for _, m := range found {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, seen := s.usedMemories[m]; seen {
			continue
		}
		if added == maxNewMemories {
			break
		}
		s.usedMemories[m] = struct{}{}
		s.memoryList = append(s.memoryList, m)
		added++
	}
	if added > 0 {
		s.logger.Debug("surfaced memories", "new", added, "total", len(s.memoryList))
	}

	if len(s.memoryList) == 0 {
		return noMemoriesText
	}
	return transcript.FormatMemories(s.memoryList)
}

func (s *Session) searchMemory(ctx context.Context, query string, topK int) []string {
	res, err := s.cfg.Memory.Search(ctx, query, topK)
	if err != nil {
		s.logger.Warn("memory search failed", "query", query, "error", err)
		return nil
	}
	return res
}

func (s *Session) onRecognized(ctx context.Context, text string, err error) {
	if ctx.Err() != nil {
		return
	}
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		s.onRecognitionError(ctx, err)
		return
	}
	s.surface.UpdateTranscription(text)
	s.processInput(ctx, text, ModeVoice)
}

func (s *Session) onRecognitionError(ctx context.Context, err error) {
	cause := "nothing recognized"
	if err != nil {
		cause = err.Error()
	}
	s.setState(StateError)
	s.surface.HideTranscription()

	exhausted := s.policy.RecordRecognitionError()
	attempts := s.policy.RecognitionErrors()
	limit := s.policy.Limits().MaxRecognitionErrors
	s.logger.Warn("recognition failed", "error", cause, "attempts", attempts, "limit", limit, "exhausted", exhausted)
	s.analytics.Event(s.id, "stt_error", map[string]any{"error": cause, "attempt": attempts, "max_attempts": limit})

	if exhausted {
		s.trackModel(recognitionExit, kindRecognitionExit)
		s.endGraceful(ctx, EndRecognitionErrors, recognitionExit)
		return
	}
	s.trackModel(recognitionRetry, kindRecognitionRetry)
	s.speak(ctx, recognitionRetry)
}

// isStopCommand reports whether text is a bare "stop" or "exit",
// ignoring case and trailing punctuation.
func isStopCommand(text string) bool {
	t := strings.TrimRight(strings.TrimSpace(text), ".!?")
	return strings.EqualFold(t, "stop") || strings.EqualFold(t, "exit")
}

func trimInput(s string) string { return strings.TrimSpace(s) }
