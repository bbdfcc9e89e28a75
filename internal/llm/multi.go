package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// MultiClient sends each model to the provider configured for it.
// Models with no configured provider, or whose provider was never
// registered (an API key left out of the config, say), fall back to
// the default provider. The first fallback for each model is logged
// at warn level so a misrouted model is visible without flooding the
// log on every turn.
type MultiClient struct {
	defaultName string
	logger      *slog.Logger

	clients map[string]Client // provider name → client
	models  map[string]string // model name → provider name

	mu     sync.Mutex
	warned map[string]bool // models already reported as falling back
}

// NewMultiClient creates a router whose default provider is registered
// under name. A nil client leaves no default, so unrouted models fail.
func NewMultiClient(name string, client Client, logger *slog.Logger) *MultiClient {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MultiClient{
		defaultName: name,
		logger:      logger,
		clients:     make(map[string]Client),
		models:      make(map[string]string),
		warned:      make(map[string]bool),
	}
	if client != nil {
		m.clients[name] = client
	}
	return m
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	return slices.Sorted(maps.Keys(m.clients))
}

// route picks the provider for model.
func (m *MultiClient) route(model string) (string, Client) {
	provider, mapped := m.models[model]
	if mapped {
		if client, ok := m.clients[provider]; ok {
			return provider, client
		}
	}

	m.mu.Lock()
	first := !m.warned[model]
	m.warned[model] = true
	m.mu.Unlock()
	if first {
		if mapped {
			m.logger.Warn("model provider not registered, using default",
				"model", model, "provider", provider, "default", m.defaultName)
		} else {
			m.logger.Warn("model has no configured provider, using default",
				"model", model, "default", m.defaultName)
		}
	}
	return m.defaultName, m.clients[m.defaultName]
}

// Chat sends a request to the provider routed for model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	provider, client := m.route(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	m.logger.Debug("chat routed", "model", model, "provider", provider)
	return client.Chat(ctx, model, messages, opts)
}

// Ping checks every registered provider and reports each one that
// fails.
func (m *MultiClient) Ping(ctx context.Context) error {
	names := m.Providers()
	if len(names) == 0 {
		return errors.New("no providers configured")
	}
	var errs []error
	for _, name := range names {
		if err := m.clients[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
