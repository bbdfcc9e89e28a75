// Package dialog runs one conversation: it listens, asks the model what
// to do, speaks the answer, dispatches at most one automation task, and
// shuts everything down when the conversation ends.
//
// A Session is driven by a single loop goroutine that owns all
// conversation state. Recognition and synthesis run as cancellable
// operations on their own goroutines and report back over a channel,
// tagged with the generation they were started under. Starting or
// cancelling an operation bumps the generation, so results from an
// operation that was cancelled are recognized and dropped.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/parley/internal/attempt"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/transcript"
)

// Errors returned by Session.
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")
)

// Config wires a Session to its collaborators. Model is required;
// everything else is optional.
type Config struct {
	Model       Model
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Screen      ScreenDescriber
	Executor    Executor
	Quota       attempt.Quota
	Memory      MemorySearcher
	Clarifier   Clarifier
	Extractor   MemoryExtractor
	Analytics   Analytics
	Surface     Surface
	Bus         *events.Bus

	// SystemPrompt is the template for transcript entry 0.
	SystemPrompt transcript.Template

	Limits        attempt.Limits
	MemoryEnabled bool
	UserName      string

	// ExitSpeechTimeout bounds the goodbye spoken during a graceful
	// shutdown (default 10s).
	ExitSpeechTimeout time.Duration

	// StartInTextMode skips the microphone and waits for SubmitText.
	StartInTextMode bool

	Location *time.Location
	Clock    func() time.Time
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

type opKind int

const (
	opNone opKind = iota
	opListen
	opSpeak
)

type resultKind int

const (
	resultListening resultKind = iota
	resultStopped
	resultPartial
	resultRecognized
	resultSpoken
)

type opResult struct {
	gen  uint64
	kind resultKind
	text string
	err  error
}

type controlKind int

const (
	controlSubmit controlKind = iota
	controlTextMode
)

type control struct {
	kind controlKind
	text string
}

// Session is one conversation.
type Session struct {
	cfg        Config
	id         string
	logger     *slog.Logger
	tracer     trace.Tracer
	surface    Surface
	analytics  Analytics
	bus        *events.Bus
	now        func() time.Time
	loc        *time.Location
	transcript *transcript.Transcript
	policy     *attempt.Policy

	// Owned by the loop goroutine.
	state          State
	mode           Mode
	gen            uint64
	activeOp       opKind
	opCancel       context.CancelFunc
	heardFirst     bool
	usedMemories   map[string]struct{}
	memoryList     []string
	textModeUsed   bool
	messages       int
	tasksRequested int
	tasksExecuted  int

	control chan control
	results chan opResult

	started     atomic.Bool
	endOnce     sync.Once
	dismissOnce sync.Once
	dismissed   chan struct{}
	done        chan struct{}
	mu          sync.RWMutex
	snapState   State
	snapMode    Mode
	endReason   string
	startedAt   time.Time
}

// New creates a Session. It does not start listening until Run.
func New(cfg Config) (*Session, error) {
	if cfg.Model == nil {
		return nil, errors.New("dialog: Config.Model is required")
	}
	if cfg.Limits == (attempt.Limits{}) {
		cfg.Limits = attempt.DefaultLimits()
	}
	if cfg.ExitSpeechTimeout <= 0 {
		cfg.ExitSpeechTimeout = 10 * time.Second
	}

	id := uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/nugget/parley/internal/dialog")
	}
	s := &Session{
		cfg:          cfg,
		id:           id,
		logger:       logger.With("conversation_id", id),
		tracer:       tracer,
		surface:      cfg.Surface,
		analytics:    cfg.Analytics,
		bus:          cfg.Bus,
		now:          cfg.Clock,
		loc:          cfg.Location,
		transcript:   transcript.New(cfg.SystemPrompt),
		policy:       attempt.NewPolicy(cfg.Limits, cfg.Quota),
		usedMemories: make(map[string]struct{}),
		control:      make(chan control, 8),
		results:      make(chan opResult, 32),
		dismissed:    make(chan struct{}),
		done:         make(chan struct{}),
	}
	if s.surface == nil {
		s.surface = nopSurface{}
	}
	if s.analytics == nil {
		s.analytics = nopAnalytics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if cfg.StartInTextMode || cfg.Recognizer == nil {
		s.mode = ModeText
		s.snapMode = ModeText
	}
	return s, nil
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapState
}

// Mode returns the current input mode.
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapMode
}

// EndReason returns why the conversation ended, or "" while it runs.
func (s *Session) EndReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the conversation until it ends. Cancelling ctx ends it
// immediately, as does Dismiss.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.dismissed:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.start(ctx)
	for s.state != StateTerminal {
		select {
		case <-ctx.Done():
			s.endInstant()
		case c := <-s.control:
			s.handleControl(ctx, c)
		case r := <-s.results:
			s.handleResult(ctx, r)
		}
	}
	return nil
}

// SubmitText delivers typed input. The session switches to text mode
// first if it was listening or speaking.
func (s *Session) SubmitText(text string) error {
	return s.send(control{kind: controlSubmit, text: text})
}

// EnterTextMode stops the microphone and any speech and waits for
// typed input. Calling it again while in text mode has no effect.
func (s *Session) EnterTextMode() error {
	return s.send(control{kind: controlTextMode})
}

// Dismiss ends the conversation immediately without a goodbye. It is
// safe to call any number of times from any goroutine.
func (s *Session) Dismiss() {
	s.dismissOnce.Do(func() { close(s.dismissed) })
}

func (s *Session) send(c control) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-s.dismissed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.control <- c:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) start(ctx context.Context) {
	s.startedAt = s.now()
	s.analytics.ConversationStarted(s.id, s.mode.String())
	s.logger.Info("conversation started", "mode", s.mode.String())

	if s.mode == ModeText {
		s.textModeUsed = true
		s.setState(StateIdle)
		s.surface.ShowInputBox()
		return
	}
	s.startListening(ctx)
}

func (s *Session) handleControl(ctx context.Context, c control) {
	switch c.kind {
	case controlTextMode:
		s.enterTextMode()
	case controlSubmit:
		text := trimInput(c.text)
		if text == "" {
			if s.mode == ModeText && s.activeOp == opNone {
				s.surface.ShowInputBox()
			}
			return
		}
		if s.mode != ModeText {
			s.enterTextMode()
		} else {
			s.cancelOp()
		}
		s.processInput(ctx, text, ModeText)
	}
}

func (s *Session) enterTextMode() {
	if s.mode == ModeText {
		return
	}
	s.cancelOp()
	s.mode = ModeText
	s.textModeUsed = true
	s.mu.Lock()
	s.snapMode = ModeText
	s.mu.Unlock()

	s.surface.HideTranscription()
	s.setState(StateIdle)
	s.surface.ShowInputBox()

	s.logger.Debug("entered text mode")
	s.analytics.Event(s.id, "text_mode_activated", nil)
	s.bus.Emit(events.SourceDialog, events.KindModeChanged, map[string]any{"mode": ModeText.String()})
}

func (s *Session) handleResult(ctx context.Context, r opResult) {
	if r.gen != s.gen {
		s.logger.Debug("discarding stale result", "gen", r.gen, "current", s.gen, "kind", r.kind)
		return
	}
	switch r.kind {
	case resultListening, resultStopped:
		s.logger.Debug("microphone state", "listening", r.kind == resultListening)
	case resultPartial:
		s.surface.UpdateTranscription(r.text)
		s.bus.Emit(events.SourceSpeech, events.KindPartial, map[string]any{"text": r.text})
	case resultRecognized:
		s.finishOp()
		s.onRecognized(ctx, r.text, r.err)
	case resultSpoken:
		s.finishOp()
		if r.err != nil && ctx.Err() == nil {
			s.logger.Warn("speech synthesis failed", "error", r.err)
		}
		s.resume(ctx)
	}
}

// post delivers a final operation result unless the session is over.
func (s *Session) post(r opResult) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// offer delivers an interim result, dropping it if the loop is behind.
func (s *Session) offer(r opResult) {
	select {
	case s.results <- r:
	default:
	}
}

// beginOp cancels any running operation and starts a new generation.
func (s *Session) beginOp(ctx context.Context, kind opKind) (context.Context, uint64) {
	s.cancelOp()
	opCtx, cancel := context.WithCancel(ctx)
	s.gen++
	s.opCancel = cancel
	s.activeOp = kind
	return opCtx, s.gen
}

// cancelOp stops the running operation, if any, and invalidates its
// pending results.
func (s *Session) cancelOp() {
	if s.opCancel == nil {
		return
	}
	s.opCancel()
	s.opCancel = nil
	switch s.activeOp {
	case opListen:
		if s.cfg.Recognizer != nil {
			s.cfg.Recognizer.StopListening()
		}
	case opSpeak:
		if s.cfg.Synthesizer != nil {
			s.cfg.Synthesizer.StopSpeaking()
		}
	}
	s.activeOp = opNone
	s.gen++
}

// finishOp releases a completed operation.
func (s *Session) finishOp() {
	if s.opCancel != nil {
		s.opCancel()
		s.opCancel = nil
	}
	s.activeOp = opNone
}

func (s *Session) startListening(ctx context.Context) {
	if s.mode == ModeText || s.cfg.Recognizer == nil {
		s.awaitText()
		return
	}
	opCtx, gen := s.beginOp(ctx, opListen)
	s.setState(StateListening)
	s.surface.ShowListening()

	rec := s.cfg.Recognizer
	go func() {
		defer s.recoverOp(gen, resultRecognized)
		text, err := rec.Listen(opCtx, func(ev RecognitionEvent) {
			r := opResult{gen: gen, text: ev.Text}
			switch ev.Kind {
			case RecognitionListening:
				r.kind = resultListening
			case RecognitionStopped:
				r.kind = resultStopped
			default:
				r.kind = resultPartial
			}
			s.offer(r)
		})
		s.post(opResult{gen: gen, kind: resultRecognized, text: text, err: err})
	}()
}

func (s *Session) speak(ctx context.Context, text string) {
	if trimInput(text) == "" || s.cfg.Synthesizer == nil {
		s.resume(ctx)
		return
	}
	opCtx, gen := s.beginOp(ctx, opSpeak)
	s.setState(StateSpeaking)

	synth := s.cfg.Synthesizer
	go func() {
		defer s.recoverOp(gen, resultSpoken)
		err := synth.Speak(opCtx, text)
		s.post(opResult{gen: gen, kind: resultSpoken, err: err})
	}()
}

// recoverOp turns a panic in a recognizer or synthesizer adapter into
// a failed result for generation gen.
func (s *Session) recoverOp(gen uint64, kind resultKind) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("speech adapter panic: %v", r)
	s.logger.Error("speech adapter panicked", "error", err, "stack", string(debug.Stack()))
	s.post(opResult{gen: gen, kind: kind, err: err})
}

// resume hands the turn back to the user: the microphone in voice
// mode, the input box in text mode.
func (s *Session) resume(ctx context.Context) {
	if s.state == StateTerminal {
		return
	}
	if s.mode == ModeVoice {
		s.startListening(ctx)
		return
	}
	s.awaitText()
}

func (s *Session) awaitText() {
	s.setState(StateIdle)
	s.surface.ShowInputBox()
}

func (s *Session) setState(st State) {
	from := s.state
	if from == st {
		return
	}
	s.state = st
	s.mu.Lock()
	s.snapState = st
	s.mu.Unlock()

	s.logger.Debug("turn state changed", "from", from.String(), "to", st.String(), "mode", s.mode.String())
	s.bus.Emit(events.SourceDialog, events.KindStateChanged, map[string]any{
		"from": from.String(),
		"to":   st.String(),
		"mode": s.mode.String(),
	})
}
