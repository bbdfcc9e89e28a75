// Package embeddings generates text embeddings through Ollama and ranks
// vectors by cosine similarity.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "nomic-embed-text"

// ErrEmpty is returned when the server answers with no vector.
var ErrEmpty = errors.New("empty embedding")

// Config for an embedding client.
type Config struct {
	BaseURL string // Ollama base URL, e.g. "http://localhost:11434"
	Model   string
	Logger  *slog.Logger
}

// Client generates embeddings using Ollama's embedding API.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger)),
		logger:  logger,
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate embeds text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, ErrEmpty
	}
	c.logger.Debug("embedding generated", "model", c.model, "dims", len(out.Embedding), "chars", len(text))
	return out.Embedding, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or
// 0 when they differ in length or either is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Match is one ranked vector.
type Match struct {
	Index int
	Score float32
}

// TopK ranks vectors by similarity to query and returns at most k
// matches scoring at least minScore, best first. Ties keep input order.
func TopK(query []float32, vectors [][]float32, k int, minScore float32) []Match {
	if k <= 0 {
		return nil
	}
	matches := make([]Match, 0, len(vectors))
	for i, v := range vectors {
		if s := CosineSimilarity(query, v); s >= minScore {
			matches = append(matches, Match{Index: i, Score: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
