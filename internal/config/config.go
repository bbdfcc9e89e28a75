// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
	DataDir    string           `yaml:"data_dir"`
	Timezone   string           `yaml:"timezone"`
	UserName   string           `yaml:"user_name"`
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Speech     SpeechConfig     `yaml:"speech"`
	Perception PerceptionConfig `yaml:"perception"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Quota      QuotaConfig      `yaml:"quota"`
	Memory     MemoryConfig     `yaml:"memory"`
	Dialog     DialogConfig     `yaml:"dialog"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`

	// MaxRetries is how many times a failed model call is retried
	// before the turn falls back to the apology reply.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base delay between retries. The Nth retry
	// waits N times this value.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// OpenAIConfig defines an OpenAI-compatible chat completions endpoint.
// BaseURL may point at any compatible server (vLLM, LM Studio, a proxy).
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether the endpoint can be used.
func (c OpenAIConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// SpeechConfig points at the WebSocket speech gateway that fronts the
// recognition and synthesis engines.
type SpeechConfig struct {
	URL      string `yaml:"url"` // ws:// or wss://
	Token    string `yaml:"token"`
	Language string `yaml:"language"`
}

// Configured reports whether a gateway URL is present.
func (c SpeechConfig) Configured() bool {
	return c.URL != ""
}

// PerceptionConfig points at the device endpoint that returns a dump
// of what is currently on screen.
type PerceptionConfig struct {
	URL string `yaml:"url"`
}

// ExecutorConfig defines the MQTT broker used to reach the on-device
// automation executor.
type ExecutorConfig struct {
	Broker      string `yaml:"broker"` // mqtt://, mqtts://, tcp://, ssl://
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (c ExecutorConfig) Configured() bool {
	return c.Broker != ""
}

// QuotaConfig limits how many automation tasks may be dispatched per
// calendar month. Zero means unlimited.
type QuotaConfig struct {
	MonthlyTasks int `yaml:"monthly_tasks"`
}

// MemoryConfig controls the long-term memory subsystem.
type MemoryConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// DialogConfig tunes the turn-taking loop.
type DialogConfig struct {
	MaxClarifications    int           `yaml:"max_clarifications"`
	MaxRecognitionErrors int           `yaml:"max_recognition_errors"`
	ExitSpeechTimeout    time.Duration `yaml:"exit_speech_timeout"`
	StartInTextMode      bool          `yaml:"start_in_text_mode"`
}

// TracingConfig enables OpenTelemetry spans exported to stdout.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Pretty  bool `yaml:"pretty"`
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration suitable for a local Ollama
// install with no speech gateway or executor.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.MaxRetries == 0 {
		c.Models.MaxRetries = 4
	}
	if c.Models.RetryDelay == 0 {
		c.Models.RetryDelay = time.Second
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Executor.TopicPrefix == "" {
		c.Executor.TopicPrefix = "parley"
	}
	if c.Memory.Embeddings.BaseURL == "" {
		c.Memory.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Dialog.MaxClarifications == 0 {
		c.Dialog.MaxClarifications = 1
	}
	if c.Dialog.MaxRecognitionErrors == 0 {
		c.Dialog.MaxRecognitionErrors = 2
	}
	if c.Dialog.ExitSpeechTimeout == 0 {
		c.Dialog.ExitSpeechTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for values that would fail later
// at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.Models.MaxRetries < 0 {
		return fmt.Errorf("models.max_retries must not be negative")
	}
	if c.Dialog.MaxClarifications < 0 || c.Dialog.MaxRecognitionErrors < 0 {
		return fmt.Errorf("dialog attempt limits must not be negative")
	}
	if c.Quota.MonthlyTasks < 0 {
		return fmt.Errorf("quota.monthly_tasks must not be negative")
	}
	if c.Speech.Configured() {
		u, err := url.Parse(c.Speech.URL)
		if err != nil {
			return fmt.Errorf("parse speech.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("speech.url must use ws:// or wss://, got %q", u.Scheme)
		}
	}
	if c.Executor.Configured() {
		u, err := url.Parse(c.Executor.Broker)
		if err != nil {
			return fmt.Errorf("parse executor.broker: %w", err)
		}
		switch u.Scheme {
		case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		default:
			return fmt.Errorf("executor.broker has unsupported scheme %q", u.Scheme)
		}
	}
	return nil
}

// Location returns the configured time zone, or time.Local when unset.
// Validate has already rejected unknown zone names.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ProviderFor returns the provider serving model, defaulting to ollama.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}
