package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the number of pending writes a Tracker queues
// before it starts dropping.
const DefaultBuffer = 256

// Tracker writes analytics asynchronously. Every method returns
// immediately; when the queue is full the record is dropped and
// counted. Failures are logged, never returned.
type Tracker struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan func(context.Context) error
	done    chan struct{}
	dropped atomic.Int64
}

// NewTracker starts a tracker that writes to store.
func NewTracker(store *Store, logger *slog.Logger, buffer int) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	t := &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
		queue:  make(chan func(context.Context) error, buffer),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer close(t.done)
	for write := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := write(ctx); err != nil {
			t.logger.Warn("analytics write failed", "error", err)
		}
		cancel()
	}
}

func (t *Tracker) enqueue(write func(context.Context) error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		return
	}
	select {
	case t.queue <- write:
	default:
		if n := t.dropped.Add(1); n == 1 || n%100 == 0 {
			t.logger.Warn("analytics queue full, dropping", "dropped", n)
		}
	}
}

// ConversationStarted records the start of a conversation.
func (t *Tracker) ConversationStarted(id, mode string) {
	at := t.now()
	t.enqueue(func(ctx context.Context) error {
		return t.store.StartConversation(ctx, id, mode, at)
	})
}

// Message records one utterance.
func (t *Tracker) Message(id, role, kind, content string) {
	m := Message{ConversationID: id, Timestamp: t.now(), Role: role, Kind: kind, Content: content}
	t.enqueue(func(ctx context.Context) error {
		return t.store.AddMessage(ctx, m)
	})
}

// Event records a named occurrence.
func (t *Tracker) Event(id, name string, data map[string]any) {
	e := Event{ConversationID: id, Timestamp: t.now(), Name: name, Data: data}
	t.enqueue(func(ctx context.Context) error {
		return t.store.AddEvent(ctx, e)
	})
}

// ConversationEnded records the end summary together with a
// conversation_ended_gracefully or conversation_ended_instantly event.
func (t *Tracker) ConversationEnded(id string, sum Summary) {
	at := t.now()
	name := "conversation_ended_instantly"
	if sum.Graceful {
		name = "conversation_ended_gracefully"
	}
	data := map[string]any{
		"end_reason":             sum.Reason,
		"message_count":          sum.Messages,
		"text_mode_used":         sum.TextModeUsed,
		"clarification_attempts": sum.Clarifications,
		"stt_error_attempts":     sum.RecognitionErrors,
		"tasks_requested":        sum.TasksRequested,
		"tasks_executed":         sum.TasksExecuted,
	}
	t.enqueue(func(ctx context.Context) error {
		if err := t.store.AddEvent(ctx, Event{ConversationID: id, Timestamp: at, Name: name, Data: data}); err != nil {
			return err
		}
		return t.store.EndConversation(ctx, id, sum, at)
	})
}

// Dropped returns how many records were discarded.
func (t *Tracker) Dropped() int64 { return t.dropped.Load() }

// Close stops accepting records and waits for queued writes to finish.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()
	<-t.done
}
