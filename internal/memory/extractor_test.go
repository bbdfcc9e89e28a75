package memory

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/transcript"
)

type stubClient struct {
	content string
	err     error
	prompt  string
	calls   int
}

func (s *stubClient) Chat(_ context.Context, _ string, msgs []llm.Message, _ *llm.Options) (*llm.ChatResponse, error) {
	s.calls++
	if len(msgs) > 0 {
		s.prompt = msgs[0].Content
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Message: llm.Message{Content: s.content}}, nil
}

func (s *stubClient) Ping(context.Context) error { return nil }

func conversation() []transcript.Entry {
	return []transcript.Entry{
		{Role: transcript.RoleUser, Content: "system prompt"},
		{Role: transcript.RoleUser, Content: "I'm Sam, text my sister Priya"},
		{Role: transcript.RoleModel, Content: `{"type":"Task"}`},
	}
}

func TestParseMemories(t *testing.T) {
	long := strings.Repeat("x", maxMemoryLen+1)
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{name: "plain", raw: `{"memories":["User's name is Sam"]}`, want: []string{"User's name is Sam"}},
		{name: "fenced", raw: "```json\n{\"memories\":[\"a\",\"b\"]}\n```", want: []string{"a", "b"}},
		{name: "empty", raw: `{"memories":[]}`, want: nil},
		{name: "blank and long dropped", raw: `{"memories":["  ","` + long + `","ok"]}`, want: []string{"ok"}},
		{name: "malformed", raw: `memories: Sam`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMemories(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMemories() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMemories() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseMemories_Capped(t *testing.T) {
	var items []string
	for i := 0; i < maxExtracted+5; i++ {
		items = append(items, `"m`+strings.Repeat("i", i)+`"`)
	}
	got, err := ParseMemories(`{"memories":[` + strings.Join(items, ",") + `]}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != maxExtracted {
		t.Errorf("len = %d, want %d", len(got), maxExtracted)
	}
}

func TestExtract(t *testing.T) {
	s := memDB(t)
	tick(s)
	add(t, s, "Sam likes jazz")

	client := &stubClient{content: `{"memories":["User's name is Sam","Sam's sister is called Priya","Sam likes jazz"]}`}
	x := NewExtractor(s, client, "test-model", nil)

	if err := x.Extract(context.Background(), "conv-2", conversation()); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if !strings.Contains(client.prompt, "- Sam likes jazz") {
		t.Errorf("prompt does not list known memories:\n%s", client.prompt)
	}
	if !strings.Contains(client.prompt, "user: I'm Sam, text my sister Priya") {
		t.Errorf("prompt does not include conversation:\n%s", client.prompt)
	}

	all, _ := s.List(context.Background(), 0)
	if len(all) != 3 {
		t.Fatalf("stored %d memories, want 3: %+v", len(all), all)
	}
	for _, m := range all {
		if m.Content != "Sam likes jazz" && (m.ConversationID != "conv-2" || m.Source != "conversation") {
			t.Errorf("memory %+v not attributed to conversation", m)
		}
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client *stubClient
	}{
		{name: "model down", client: &stubClient{err: errors.New("connection refused")}},
		{name: "malformed", client: &stubClient{content: "Sure! Sam likes jazz."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memDB(t)
			x := NewExtractor(s, tt.client, "m", nil)
			if err := x.Extract(context.Background(), "c", conversation()); err == nil {
				t.Error("expected error")
			}
			if all, _ := s.List(context.Background(), 0); len(all) != 0 {
				t.Errorf("stored %d memories after failure", len(all))
			}
		})
	}
}

func TestExtract_ShortTranscriptSkipped(t *testing.T) {
	client := &stubClient{content: `{"memories":["x"]}`}
	x := NewExtractor(memDB(t), client, "m", nil)
	if err := x.Extract(context.Background(), "c", conversation()[:1]); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("model called %d times for a transcript with only the system prompt", client.calls)
	}
}
