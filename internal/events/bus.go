// Package events carries what a conversation is doing to whoever is
// watching: the terminal surface, the trace log, or a remote overlay.
// Publishing on a nil *Bus is a no-op so producers never need guards.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceDialog identifies the turn-taking loop.
	SourceDialog = "dialog"
	// SourceSpeech identifies the speech gateway client.
	SourceSpeech = "speech"
	// SourceExecutor identifies the automation executor bridge.
	SourceExecutor = "executor"
	// SourceSurface identifies visual surface updates.
	SourceSurface = "surface"
	// SourceConnwatch is the service health watcher.
	SourceConnwatch = "connwatch"
)

// Kinds.
const (
	// KindStateChanged signals a turn state transition.
	// Data: from, to, mode.
	KindStateChanged = "state_changed"
	// KindModeChanged signals a switch between voice and text input.
	// Data: mode.
	KindModeChanged = "mode_changed"
	// KindUserInput signals accepted user input.
	// Data: text, mode.
	KindUserInput = "user_input"
	// KindDecision signals a parsed model decision.
	// Data: kind, should_end, instruction.
	KindDecision = "decision"
	// KindTaskDispatched signals an instruction was sent to the executor.
	// Data: instruction.
	KindTaskDispatched = "task_dispatched"
	// KindTaskStopped signals a stop request was sent to the executor.
	KindTaskStopped = "task_stopped"
	// KindSessionEnded signals the conversation reached its terminal state.
	// Data: reason, graceful.
	KindSessionEnded = "session_ended"

	// KindPartial carries an interim transcription.
	// Data: text.
	KindPartial = "partial"

	// KindExecutorStatus signals a change in executor availability or
	// running task.
	// Data: available, running, task.
	KindExecutorStatus = "executor_status"

	// KindServiceHealth signals a dependency became reachable or
	// unreachable.
	// Data: service, ready, error.
	KindServiceHealth = "service_health"

	// KindSurface signals a visual surface command.
	// Data: op, text.
	KindSurface = "surface"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a buffered channel of published events. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
