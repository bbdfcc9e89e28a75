package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceDialog, Kind: KindStateChanged})
	b.Emit(SourceDialog, KindStateChanged, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEmitStampsEvent(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceDialog, KindUserInput, map[string]any{"text": "hello"})

	got := receive(t, ch)
	if got.Source != SourceDialog || got.Kind != KindUserInput {
		t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceDialog, KindUserInput)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("Timestamp %v before publish time %v", got.Timestamp, before)
	}
	if got.Data["text"] != "hello" {
		t.Errorf("Data[text] = %v, want hello", got.Data["text"])
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 4
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceSpeech, Kind: KindPartial})

	for i, ch := range channels {
		if got := receive(t, ch); got.Kind != KindPartial {
			t.Errorf("subscriber %d: kind = %q, want %q", i, got.Kind, KindPartial)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := receive(t, ch); got.Kind != "first" {
		t.Errorf("kind = %q, want first", got.Kind)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected second event %v", e)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(2)
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			b.Emit(SourceDialog, KindStateChanged, nil)
		}()
	}
	wg.Wait()
}
