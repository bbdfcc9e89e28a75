package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/transcript"
)

// scriptedClient returns responses in order; an empty string with a
// non-nil error entry fails that call.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	lastMsgs  []Message
	lastModel string
}

func (c *scriptedClient) Chat(_ context.Context, model string, msgs []Message, _ *Options) (*ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	c.lastMsgs = msgs
	c.lastModel = model
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return &ChatResponse{Message: Message{Role: RoleAssistant, Content: c.responses[i]}}, nil
	}
	return &ChatResponse{}, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

type readiness bool

func (r readiness) IsReady() bool { return bool(r) }

func testEntries() []transcript.Entry {
	return []transcript.Entry{
		{Role: transcript.RoleUser, Content: "system prompt"},
		{Role: transcript.RoleUser, Content: "hello"},
		{Role: transcript.RoleModel, Content: `{"Type":"Reply","Reply":"hi"}`},
		{Role: transcript.RoleUser, Content: "open maps"},
	}
}

func TestMessages(t *testing.T) {
	msgs := Messages(testEntries())
	want := []string{RoleSystem, RoleUser, RoleAssistant, RoleUser}
	for i, m := range msgs {
		if m.Role != want[i] {
			t.Errorf("msgs[%d].Role = %q, want %q", i, m.Role, want[i])
		}
	}
}

func TestGenerate(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		client    *scriptedClient
		retries   int
		health    Readiness
		want      string
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "first try",
			client:    &scriptedClient{responses: []string{" ok "}},
			retries:   3,
			want:      "ok",
			wantCalls: 1,
		},
		{
			name:      "recovers after errors",
			client:    &scriptedClient{errs: []error{boom, boom}, responses: []string{"", "", "third"}},
			retries:   3,
			want:      "third",
			wantCalls: 3,
		},
		{
			name:      "empty responses retried then exhausted",
			client:    &scriptedClient{responses: []string{"", "  "}},
			retries:   1,
			wantErr:   true,
			wantCalls: 2,
		},
		{
			name:      "unhealthy fails fast",
			client:    &scriptedClient{responses: []string{"never"}},
			retries:   3,
			health:    readiness(false),
			wantErr:   true,
			wantCalls: 0,
		},
		{
			name:      "healthy proceeds",
			client:    &scriptedClient{responses: []string{"yes"}},
			health:    readiness(true),
			want:      "yes",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(GeneratorConfig{
				Client:     tt.client,
				Model:      "test-model",
				MaxRetries: tt.retries,
				RetryDelay: time.Millisecond,
				Health:     tt.health,
			})
			got, err := g.Generate(context.Background(), testEntries())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Generate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnavailable) {
				t.Errorf("error %v does not wrap ErrUnavailable", err)
			}
			if got != tt.want {
				t.Errorf("Generate() = %q, want %q", got, tt.want)
			}
			if tt.client.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", tt.client.calls, tt.wantCalls)
			}
		})
	}
}

func TestGenerate_ContextCancelledDuringBackoff(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("down")}}
	g := NewGenerator(GeneratorConfig{Client: client, MaxRetries: 2, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := g.Generate(ctx, testEntries()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestComplete(t *testing.T) {
	c := &scriptedClient{responses: []string{"  {\"status\":\"CLEAR\"}  "}}
	got, err := Complete(context.Background(), c, "m", "prompt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"status":"CLEAR"}` {
		t.Errorf("Complete() = %q", got)
	}
	if len(c.lastMsgs) != 1 || c.lastMsgs[0].Role != RoleUser {
		t.Errorf("messages = %+v", c.lastMsgs)
	}
}
