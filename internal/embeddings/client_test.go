package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{name: "identical", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, expected: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0},
		{name: "opposite", a: []float32{1, 1}, b: []float32{-1, -1}, expected: -1},
		{name: "mismatched length", a: []float32{1}, b: []float32{1, 2}, expected: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 2}, expected: 0},
		{name: "empty", a: nil, b: nil, expected: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	vectors := [][]float32{
		{0, 1, 0},     // 0
		{1, 0, 0},     // 1
		{-1, 0, 0},    // -1
		{0.7, 0.7, 0}, // ~0.707
	}

	got := TopK(query, vectors, 3, 0.5)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches above 0.5, got %d: %+v", len(got), got)
	}
	if got[0].Index != 1 || got[1].Index != 3 {
		t.Errorf("order = %d, %d; want 1, 3", got[0].Index, got[1].Index)
	}

	if got := TopK(query, vectors, 0, -1); got != nil {
		t.Errorf("k=0 returned %v", got)
	}
	if got := TopK(query, vectors, 1, -1); len(got) != 1 || got[0].Index != 1 {
		t.Errorf("k=1 returned %+v", got)
	}
}

func TestGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != DefaultModel || req.Prompt != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer ts.Close()

	got, err := New(Config{BaseURL: ts.URL}).Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %v", got)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not found", http.StatusNotFound)
			},
		},
		{
			name: "empty vector",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"embedding":[]}`))
			},
			wantErr: ErrEmpty,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := New(Config{BaseURL: ts.URL}).Generate(context.Background(), "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
