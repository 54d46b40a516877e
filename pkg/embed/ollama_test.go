package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewOllamaClient(t *testing.T) {
	tests := []struct {
		name   string
		config *OllamaConfig
		want   *OllamaConfig
	}{
		{
			name:   "nil config uses defaults",
			config: nil,
			want: &OllamaConfig{
				BaseURL:    "http://localhost:11434",
				Model:      "nomic-embed-text",
				Timeout:    60 * time.Second,
				MaxRetries: 3,
				RetryDelay: time.Second,
			},
		},
		{
			name:   "partial config fills defaults",
			config: &OllamaConfig{BaseURL: "http://custom:8080", Model: "mxbai-embed-large"},
			want: &OllamaConfig{
				BaseURL:    "http://custom:8080",
				Model:      "mxbai-embed-large",
				Timeout:    60 * time.Second,
				MaxRetries: 3,
				RetryDelay: time.Second,
			},
		},
		{
			name: "custom config respected",
			config: &OllamaConfig{
				BaseURL:    "http://custom:8080",
				Model:      "nomic-embed-text",
				Timeout:    30 * time.Second,
				MaxRetries: 5,
				RetryDelay: 2 * time.Second,
			},
			want: &OllamaConfig{
				BaseURL:    "http://custom:8080",
				Model:      "nomic-embed-text",
				Timeout:    30 * time.Second,
				MaxRetries: 5,
				RetryDelay: 2 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOllamaClient(tt.config)
			if client.baseURL != tt.want.BaseURL {
				t.Errorf("baseURL = %v, want %v", client.baseURL, tt.want.BaseURL)
			}
			if client.model != tt.want.Model {
				t.Errorf("model = %v, want %v", client.model, tt.want.Model)
			}
			if client.httpClient.Timeout != tt.want.Timeout {
				t.Errorf("timeout = %v, want %v", client.httpClient.Timeout, tt.want.Timeout)
			}
			if client.maxRetries != tt.want.MaxRetries {
				t.Errorf("maxRetries = %v, want %v", client.maxRetries, tt.want.MaxRetries)
			}
			if client.retryDelay != tt.want.RetryDelay {
				t.Errorf("retryDelay = %v, want %v", client.retryDelay, tt.want.RetryDelay)
			}
		})
	}
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		var req ollamaEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}

		// Return different embeddings based on prompt
		embedding := []float32{0.1, 0.2, 0.3}
		switch req.Prompt {
		case "text2":
			embedding = []float32{0.4, 0.5, 0.6}
		case "text3":
			embedding = []float32{0.7, 0.8, 0.9}
		}
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: embedding})
	}))
	defer server.Close()

	client := NewOllamaClient(&OllamaConfig{BaseURL: server.URL, MaxRetries: 1, Dimension: 3})
	embeddings, err := client.Embed(context.Background(), []string{"text1", "text2", "text3"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(embeddings) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(embeddings))
	}
	if embeddings[1][0] != 0.4 || embeddings[2][0] != 0.7 {
		t.Errorf("embeddings out of order: %v", embeddings)
	}
	if client.Dimension() != 3 {
		t.Errorf("Dimension() = %d, want 3", client.Dimension())
	}
}

func TestOllamaEmbed_EmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{}})
	}))
	defer server.Close()

	client := NewOllamaClient(&OllamaConfig{BaseURL: server.URL, MaxRetries: 1})
	if _, err := client.Embed(context.Background(), []string{"test text"}); err == nil {
		t.Error("expected error for empty embedding, got nil")
	}
}

func TestOllamaEmbed_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{1}})
	}))
	defer server.Close()

	client := NewOllamaClient(&OllamaConfig{BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if _, err := client.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("Embed failed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestOllamaEmbed_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(&OllamaConfig{BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if _, err := client.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error for 404")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestOllamaPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewOllamaClient(&OllamaConfig{BaseURL: server.URL})
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
