package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "secret123")
	path := writeConfig(t, "anthropic:\n  api_key: ${PARLEY_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "secret123")
	}
	if !cfg.Anthropic.Configured() {
		t.Error("Anthropic.Configured() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "user_name: Sam\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Dialog.MaxClarifications != 1 {
		t.Errorf("MaxClarifications = %d, want 1", cfg.Dialog.MaxClarifications)
	}
	if cfg.Dialog.MaxRecognitionErrors != 2 {
		t.Errorf("MaxRecognitionErrors = %d, want 2", cfg.Dialog.MaxRecognitionErrors)
	}
	if cfg.Dialog.ExitSpeechTimeout != 10*time.Second {
		t.Errorf("ExitSpeechTimeout = %v, want 10s", cfg.Dialog.ExitSpeechTimeout)
	}
	if cfg.Models.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.Models.MaxRetries)
	}
	if cfg.Executor.TopicPrefix != "parley" {
		t.Errorf("TopicPrefix = %q, want parley", cfg.Executor.TopicPrefix)
	}
	if cfg.Memory.Embeddings.BaseURL != cfg.Models.OllamaURL {
		t.Errorf("embeddings baseurl = %q, want %q", cfg.Memory.Embeddings.BaseURL, cfg.Models.OllamaURL)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dialog:\n  exit_speech_timeout: 3s\nmodels:\n  retry_delay: 250ms\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Dialog.ExitSpeechTimeout != 3*time.Second {
		t.Errorf("ExitSpeechTimeout = %v, want 3s", cfg.Dialog.ExitSpeechTimeout)
	}
	if cfg.Models.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.Models.RetryDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "empty is valid", body: "{}\n"},
		{name: "bad log level", body: "log_level: loud\n", wantErr: true},
		{name: "bad log format", body: "log_format: xml\n", wantErr: true},
		{name: "bad timezone", body: "timezone: Mars/Olympus\n", wantErr: true},
		{name: "unknown provider", body: "models:\n  available:\n    - name: x\n      provider: nope\n", wantErr: true},
		{name: "speech needs ws scheme", body: "speech:\n  url: http://localhost:10300\n", wantErr: true},
		{name: "speech ws ok", body: "speech:\n  url: ws://localhost:10300/v1\n"},
		{name: "broker scheme", body: "executor:\n  broker: ftp://host\n", wantErr: true},
		{name: "broker ok", body: "executor:\n  broker: mqtt://localhost:1883\n"},
		{name: "negative quota", body: "quota:\n  monthly_tasks: -1\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProviderFor(t *testing.T) {
	cfg, err := Load(writeConfig(t, "models:\n  available:\n    - name: claude-sonnet-4-20250514\n      provider: anthropic\n    - name: llama3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.ProviderFor("claude-sonnet-4-20250514"); got != "anthropic" {
		t.Errorf("ProviderFor(claude) = %q, want anthropic", got)
	}
	if got := cfg.ProviderFor("llama3"); got != "ollama" {
		t.Errorf("ProviderFor(llama3) = %q, want ollama (defaulted)", got)
	}
	if got := cfg.ProviderFor("unknown"); got != "ollama" {
		t.Errorf("ProviderFor(unknown) = %q, want ollama", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
}
