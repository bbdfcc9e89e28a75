package dialog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/analytics"
	"github.com/nugget/parley/internal/clarify"
	"github.com/nugget/parley/internal/transcript"
)

type heard struct {
	text     string
	err      error
	partials []string
}

// fakeRecognizer returns scripted utterances in order, then blocks
// until its context is cancelled.
type fakeRecognizer struct {
	script chan heard

	mu      sync.Mutex
	listens int
	stops   int
}

func newFakeRecognizer(script ...heard) *fakeRecognizer {
	r := &fakeRecognizer{script: make(chan heard, len(script)+1)}
	for _, h := range script {
		r.script <- h
	}
	return r
}

func (r *fakeRecognizer) Listen(ctx context.Context, onEvent func(RecognitionEvent)) (string, error) {
	r.mu.Lock()
	r.listens++
	r.mu.Unlock()

	onEvent(RecognitionEvent{Kind: RecognitionListening})
	defer onEvent(RecognitionEvent{Kind: RecognitionStopped})
	select {
	case h := <-r.script:
		for _, p := range h.partials {
			onEvent(RecognitionEvent{Kind: RecognitionPartial, Text: p})
		}
		return h.text, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *fakeRecognizer) StopListening() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *fakeRecognizer) Listens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listens
}

func (r *fakeRecognizer) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// fakeSynth records everything it is asked to say. With block set,
// Speak waits for cancellation.
type fakeSynth struct {
	block bool

	mu     sync.Mutex
	spoken []string
	stops  int
}

func (f *fakeSynth) Speak(ctx context.Context, text string) error {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeSynth) StopSpeaking() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeSynth) Spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// panickyRecognizer panics on its first Listen and then defers to next.
type panickyRecognizer struct {
	*fakeRecognizer
	once sync.Once
}

func (p *panickyRecognizer) Listen(ctx context.Context, onEvent func(RecognitionEvent)) (string, error) {
	fire := false
	p.once.Do(func() { fire = true })
	if fire {
		panic("audio device vanished")
	}
	return p.fakeRecognizer.Listen(ctx, onEvent)
}

// panickySynth panics instead of speaking text equal to trigger.
type panickySynth struct {
	*fakeSynth
	trigger string
}

func (p *panickySynth) Speak(ctx context.Context, text string) error {
	if text == p.trigger {
		panic("voice engine crashed")
	}
	return p.fakeSynth.Speak(ctx, text)
}

// fakeModel answers with scripted responses, repeating the last one.
type fakeModel struct {
	responses []string
	err       error
	panicMsg  string

	mu    sync.Mutex
	calls [][]transcript.Entry
}

func (m *fakeModel) Generate(_ context.Context, entries []transcript.Entry) (string, error) {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, entries)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	i := len(m.calls) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func (m *fakeModel) Calls() [][]transcript.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]transcript.Entry(nil), m.calls...)
}

type fakeExecutor struct {
	running   bool
	task      string
	available bool
	startErr  error

	mu      sync.Mutex
	started []string
	stopped int
}

func (e *fakeExecutor) IsRunning() bool     { return e.running }
func (e *fakeExecutor) CurrentTask() string { return e.task }
func (e *fakeExecutor) Available() bool     { return e.available }

func (e *fakeExecutor) Start(_ context.Context, instruction string) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	e.started = append(e.started, instruction)
	e.mu.Unlock()
	return nil
}

func (e *fakeExecutor) Stop(context.Context) error {
	e.mu.Lock()
	e.stopped++
	e.mu.Unlock()
	return nil
}

func (e *fakeExecutor) Started() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

// fakeQuota allows or refuses every task and records dispatches.
type fakeQuota struct {
	allow bool

	mu       sync.Mutex
	recorded []string
}

func (q *fakeQuota) CanPerformTask(context.Context) bool { return q.allow }

func (q *fakeQuota) RecordTask(_ context.Context, _, instruction string) error {
	q.mu.Lock()
	q.recorded = append(q.recorded, instruction)
	q.mu.Unlock()
	return nil
}

type fakeClarifier struct {
	results []clarify.Result
	err     error

	mu    sync.Mutex
	calls int
}

func (c *fakeClarifier) Analyze(context.Context, string, []transcript.Entry) (clarify.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return clarify.Result{}, c.err
	}
	if c.calls > len(c.results) {
		return clarify.Result{}, nil
	}
	return c.results[c.calls-1], nil
}

func (c *fakeClarifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeMemory struct {
	byQuery map[string][]string

	mu      sync.Mutex
	queries []string
}

func (m *fakeMemory) Search(_ context.Context, query string, _ int) ([]string, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	if res, ok := m.byQuery[query]; ok {
		return res, nil
	}
	return m.byQuery["*"], nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeExtractor) Extract(context.Context, string, []transcript.Entry) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return nil
}

type fakeScreen struct {
	desc string
	err  error
}

func (f fakeScreen) DescribeScreen(context.Context) (string, error) { return f.desc, f.err }

type trackedMessage struct {
	role, kind, content string
}

type recordingAnalytics struct {
	mu        sync.Mutex
	started   int
	messages  []trackedMessage
	events    []string
	eventData []map[string]any
	summaries []analytics.Summary
}

func (a *recordingAnalytics) ConversationStarted(string, string) {
	a.mu.Lock()
	a.started++
	a.mu.Unlock()
}

func (a *recordingAnalytics) Message(_, role, kind, content string) {
	a.mu.Lock()
	a.messages = append(a.messages, trackedMessage{role, kind, content})
	a.mu.Unlock()
}

func (a *recordingAnalytics) Event(_, name string, data map[string]any) {
	a.mu.Lock()
	a.events = append(a.events, name)
	a.eventData = append(a.eventData, data)
	a.mu.Unlock()
}

// EventData returns the data of every event called name, in order.
func (a *recordingAnalytics) EventData(name string) []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []map[string]any
	for i, e := range a.events {
		if e == name {
			out = append(out, a.eventData[i])
		}
	}
	return out
}

func (a *recordingAnalytics) ConversationEnded(_ string, sum analytics.Summary) {
	a.mu.Lock()
	a.summaries = append(a.summaries, sum)
	a.mu.Unlock()
}

func (a *recordingAnalytics) HasEvent(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == name {
			return true
		}
	}
	return false
}

func (a *recordingAnalytics) Summaries() []analytics.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]analytics.Summary(nil), a.summaries...)
}

type recordingSurface struct {
	mu  sync.Mutex
	ops []string
	tx  []string
	qs  [][]string
}

func (r *recordingSurface) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingSurface) ShowListening() { r.add(SurfaceShowListening) }
func (r *recordingSurface) UpdateTranscription(text string) {
	r.mu.Lock()
	r.tx = append(r.tx, text)
	r.mu.Unlock()
	r.add(SurfaceUpdateTranscription)
}
func (r *recordingSurface) HideTranscription() { r.add(SurfaceHideTranscription) }
func (r *recordingSurface) ShowThinking()      { r.add(SurfaceShowThinking) }
func (r *recordingSurface) HideThinking()      { r.add(SurfaceHideThinking) }
func (r *recordingSurface) ShowClarification(qs []string) {
	r.mu.Lock()
	r.qs = append(r.qs, qs)
	r.mu.Unlock()
	r.add(SurfaceShowClarification)
}
func (r *recordingSurface) ClearClarification() { r.add(SurfaceClearClarification) }
func (r *recordingSurface) ShowInputBox()       { r.add(SurfaceShowInputBox) }
func (r *recordingSurface) HideAll()            { r.add(SurfaceHideAll) }

func (r *recordingSurface) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (r *recordingSurface) Transcriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tx...)
}

var errNoSpeech = errors.New("no speech detected")

// start runs a session in the background and returns it.
func start(t *testing.T, cfg Config) *Session {
	t.Helper()
	cfg.Clock = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	cfg.Location = time.UTC
	cfg.ExitSpeechTimeout = time.Second
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		if err := s.Run(context.Background()); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		s.Dismiss()
		<-s.Done()
	})
	return s
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end; state=%s", s.State())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
