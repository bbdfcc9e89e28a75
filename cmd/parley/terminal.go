package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nugget/parley/internal/dialog"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/speech"
)

// terminal renders a conversation as lines of text. Writes from the
// event follower and the speaker are serialized.
type terminal struct {
	mu    sync.Mutex
	w     io.Writer
	typed bool
}

func newTerminal(w io.Writer, typed bool) *terminal {
	return &terminal{w: w, typed: typed}
}

func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

func (t *terminal) println(format string, args ...any) {
	fmt.Fprintf(t, format+"\n", args...)
}

// follow renders bus events until the returned function is called.
// Stopping drains whatever is already buffered.
func (t *terminal) follow(bus *events.Bus) func() {
	ch := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			t.render(e)
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}

func (t *terminal) render(e events.Event) {
	str := func(k string) string {
		if v, ok := e.Data[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch e.Kind {
	case events.KindSurface:
		switch str("op") {
		case dialog.SurfaceShowListening:
			t.println("[listening]")
		case dialog.SurfaceShowThinking:
			t.println("[thinking]")
		case dialog.SurfaceShowClarification:
			if qs, ok := e.Data["questions"].([]string); ok {
				t.println("[?] %s", strings.Join(qs, " / "))
			}
		case dialog.SurfaceShowInputBox:
			if !t.typed {
				t.println("[type a message]")
			}
		}
	case events.KindUserInput:
		// Typed input is already on screen.
		if str("mode") == dialog.ModeVoice.String() {
			t.println("you> %s", str("text"))
		}
	case events.KindModeChanged:
		t.println("[%s mode]", str("mode"))
	case events.KindTaskDispatched:
		t.println("[task] %s", str("instruction"))
	case events.KindTaskStopped:
		t.println("[task stopped] %s", str("task"))
	case events.KindExecutorStatus:
		if running, ok := e.Data["running"].(bool); ok && running {
			t.println("[device] working on %s", str("task"))
		}
	case events.KindServiceHealth:
		if ready, _ := e.Data["ready"].(bool); !ready {
			t.println("[%s unreachable]", str("service"))
		}
	case events.KindSessionEnded:
		t.println("[conversation ended: %s]", str("reason"))
	}
}

// transcriptSpeaker prints what the assistant says and, when a voice is
// attached, speaks it too.
type transcriptSpeaker struct {
	w     io.Writer
	inner dialog.Synthesizer
}

func (s *transcriptSpeaker) Speak(ctx context.Context, text string) error {
	if plain := speech.PlainText(text); plain != "" {
		fmt.Fprintf(s.w, "parley> %s\n", plain)
	}
	if s.inner == nil {
		return nil
	}
	return s.inner.Speak(ctx, text)
}

func (s *transcriptSpeaker) StopSpeaking() {
	if s.inner != nil {
		s.inner.StopSpeaking()
	}
}
