package dialog

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/parley/internal/analytics"
	"github.com/nugget/parley/internal/events"
)

// endGraceful ends the conversation after saying exitMessage. Only the
// first call to endGraceful or endInstant has any effect.
func (s *Session) endGraceful(ctx context.Context, reason, exitMessage string) {
	s.endOnce.Do(func() {
		s.setState(StateTerminal)
		s.recordEnd(reason, true)
		s.surface.HideAll()
		s.cancelOp()

		if msg := strings.TrimSpace(exitMessage); msg != "" && s.cfg.Synthesizer != nil && ctx.Err() == nil {
			s.speakExit(ctx, msg)
		}

		if s.cfg.MemoryEnabled && s.cfg.Extractor != nil && s.transcript.Len() > 1 && ctx.Err() == nil {
			if err := s.cfg.Extractor.Extract(ctx, s.id, s.transcript.Entries()); err != nil {
				s.logger.Warn("memory extraction failed", "error", err)
			}
		}

		s.stopAudio()
		s.logger.Info("conversation ended", "reason", reason, "graceful", true, "messages", s.messages)
		s.bus.Emit(events.SourceDialog, events.KindSessionEnded, map[string]any{
			"reason":   reason,
			"graceful": true,
		})
	})
}

// speakExit says msg within ExitSpeechTimeout. A panicking synthesizer
// is logged and skipped so the rest of the shutdown still runs.
func (s *Session) speakExit(ctx context.Context, msg string) {
	speakCtx, cancel := context.WithTimeout(ctx, s.cfg.ExitSpeechTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("exit speech panicked", "error", fmt.Errorf("speech adapter panic: %v", r))
		}
	}()
	if err := s.cfg.Synthesizer.Speak(speakCtx, msg); err != nil && speakCtx.Err() == nil {
		s.logger.Warn("exit speech failed", "error", err)
	}
}

// endInstant ends the conversation without speaking or saving memories.
func (s *Session) endInstant() {
	s.endOnce.Do(func() {
		s.setState(StateTerminal)
		s.recordEnd(EndInstant, false)
		s.cancelOp()
		s.stopAudio()
		s.surface.HideAll()

		s.logger.Info("conversation ended", "reason", EndInstant, "graceful", false, "messages", s.messages)
		s.bus.Emit(events.SourceDialog, events.KindSessionEnded, map[string]any{
			"reason":   EndInstant,
			"graceful": false,
		})
	})
}

// fail answers a broken turn with an apology and ends the session. A
// cancelled context means the session is already being torn down.
func (s *Session) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.setState(StateError)
	s.logger.Error("turn failed", "error", err)
	s.analytics.Event(s.id, "input_processing_error", map[string]any{"error": err.Error()})
	s.trackModel(apologyText, kindError)
	s.endGraceful(ctx, EndProcessingError, apologyText)
}

func (s *Session) stopAudio() {
	if s.cfg.Recognizer != nil {
		s.cfg.Recognizer.StopListening()
	}
	if s.cfg.Synthesizer != nil {
		s.cfg.Synthesizer.StopSpeaking()
	}
}

func (s *Session) recordEnd(reason string, graceful bool) {
	s.mu.Lock()
	s.endReason = reason
	s.mu.Unlock()

	s.analytics.ConversationEnded(s.id, analytics.Summary{
		Reason:            reason,
		Graceful:          graceful,
		Messages:          s.messages,
		TextModeUsed:      s.textModeUsed,
		Clarifications:    s.policy.Clarifications(),
		RecognitionErrors: s.policy.RecognitionErrors(),
		TasksRequested:    s.tasksRequested,
		TasksExecuted:     s.tasksExecuted,
	})
}
