package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// OllamaConfig configures the Ollama embedding client
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Dimension   int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	Concurrency int
	APIKey      string // Optional, for proxies that require a bearer token
}

// OllamaClient embeds text through the Ollama HTTP API
type OllamaClient struct {
	baseURL     string
	model       string
	dim         int
	httpClient  *http.Client
	maxRetries  int
	retryDelay  time.Duration
	concurrency int
	apiKey      string
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaClient creates a client, filling unset fields with defaults
func NewOllamaClient(cfg *OllamaConfig) *OllamaClient {
	if cfg == nil {
		cfg = &OllamaConfig{}
	}
	c := &OllamaClient{
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		dim:         cfg.Dimension,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		concurrency: cfg.Concurrency,
		apiKey:      cfg.APIKey,
	}
	if c.baseURL == "" {
		c.baseURL = "http://localhost:11434"
	}
	if c.model == "" {
		c.model = "nomic-embed-text"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryDelay == 0 {
		c.retryDelay = time.Second
	}
	if c.concurrency <= 0 {
		c.concurrency = 5
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c
}

func (c *OllamaClient) Dimension() int { return c.dim }

func (c *OllamaClient) Name() string { return "ollama/" + c.model }

// Embed requests one embedding per text, at most concurrency at a time.
// The first failure cancels the remaining requests.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	embeddings := make([][]float32, len(texts))
	semaphore := make(chan struct{}, c.concurrency)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for i, text := range texts {
		wg.Add(1)
		go func(index int, content string) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			var resp ollamaEmbeddingResponse
			err := c.doRequestWithRetry(ctx, "/api/embeddings", ollamaEmbeddingRequest{Model: c.model, Prompt: content}, &resp)
			if err == nil && len(resp.Embedding) == 0 {
				err = fmt.Errorf("empty embedding returned")
			}
			if err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("embedding failed for text %d: %w", index, err)
					cancel()
				})
				return
			}
			embeddings[index] = resp.Embedding
		}(i, text)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// Ping checks connectivity
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: %d", resp.StatusCode)
	}
	return nil
}

// doRequestWithRetry posts a JSON request, retrying transport errors and
// 5xx responses with a linear backoff
func (c *OllamaClient) doRequestWithRetry(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
			slog.Debug("Retrying embedding request", "path", path, "attempt", attempt+1, "error", lastErr)
		}

		retry, err := c.doRequest(ctx, path, data, respBody)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *OllamaClient) doRequest(ctx context.Context, path string, data []byte, respBody any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode >= 500, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return false, json.NewDecoder(resp.Body).Decode(respBody)
}
