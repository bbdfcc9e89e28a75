package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "analytics_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ConversationLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := s.StartConversation(ctx, "c1", "voice", start); err != nil {
		t.Fatal(err)
	}
	sum := Summary{Reason: "task_executed", Graceful: true, Messages: 4, TasksRequested: 1, TasksExecuted: 1, Clarifications: 1}
	if err := s.EndConversation(ctx, "c1", sum, start.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// A second end must not overwrite the first.
	if err := s.EndConversation(ctx, "c1", Summary{Reason: "instant"}, start.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	c, err := s.Conversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Ended || c.Summary != sum {
		t.Errorf("Conversation() = %+v, want summary %+v", c, sum)
	}
	if !c.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", c.StartedAt, start)
	}
	if c.Mode != "voice" {
		t.Errorf("Mode = %q, want voice", c.Mode)
	}
}

func TestStore_MessagesAndEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now()

	s.AddMessage(ctx, Message{ConversationID: "c1", Timestamp: base, Role: "user", Kind: "input", Content: "hello"})
	s.AddMessage(ctx, Message{ConversationID: "c1", Timestamp: base.Add(time.Second), Role: "model", Kind: "reply", Content: "hi"})
	s.AddMessage(ctx, Message{ConversationID: "other", Timestamp: base, Role: "user", Kind: "input", Content: "x"})
	s.AddEvent(ctx, Event{ConversationID: "c1", Timestamp: base, Name: "task_requested", Data: map[string]any{"instruction": "open maps"}})

	msgs, err := s.Messages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Kind != "reply" {
		t.Errorf("Messages() = %+v", msgs)
	}

	events, err := s.Events(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Data["instruction"] != "open maps" {
		t.Errorf("Events() = %+v", events)
	}
}

func TestTracker_WritesAndDrains(t *testing.T) {
	s := testStore(t)
	tr := NewTracker(s, nil, 16)

	tr.ConversationStarted("c1", "text")
	tr.Message("c1", "user", "input", "stop")
	tr.Event("c1", "user_input_processed", nil)
	tr.ConversationEnded("c1", Summary{Reason: "command", Graceful: true, Messages: 2})
	tr.Close()
	tr.Close()

	ctx := context.Background()
	c, err := s.Conversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Summary.Reason != "command" || !c.Summary.Graceful {
		t.Errorf("summary = %+v", c.Summary)
	}

	events, _ := s.Events(ctx, "c1")
	var names []string
	for _, e := range events {
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[1] != "conversation_ended_gracefully" {
		t.Errorf("events = %v", names)
	}
}

func TestTracker_DropsAfterClose(t *testing.T) {
	tr := NewTracker(testStore(t), nil, 1)
	tr.Close()
	tr.Message("c1", "user", "input", "late")
	if tr.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", tr.Dropped())
	}
}
