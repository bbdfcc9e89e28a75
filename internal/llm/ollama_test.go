package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"model":"qwen3:4b","created_at":"2026-01-02T03:04:05Z","message":{"role":"assistant","content":"{\"Type\":\"Reply\"}"},"done":true,"prompt_eval_count":12,"eval_count":5,"total_duration":1500000000}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", nil)
	resp, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: RoleUser, Content: "hi"}}, &Options{JSON: true, Temperature: 0.2})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Stream {
		t.Error("request asked for streaming")
	}
	if got.Format != "json" {
		t.Errorf("format = %q, want json", got.Format)
	}
	if got.Options == nil || got.Options.Temperature != 0.2 {
		t.Errorf("options = %+v, want temperature 0.2", got.Options)
	}
	if resp.Message.Content != `{"Type":"Reply"}` {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 12/5", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.Year() != 2026 {
		t.Errorf("CreatedAt = %v", resp.CreatedAt)
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "missing", nil, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"qwen3:4b"},{"name":"nomic-embed-text"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "qwen3:4b" {
		t.Errorf("ListModels() = %v", names)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
