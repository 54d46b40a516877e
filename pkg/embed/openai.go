package embed

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible embedding backend
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // empty uses the OpenAI endpoint
	Model     string
	Dimension int
}

// OpenAIClient embeds text through the OpenAI embeddings API
type OpenAIClient struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIClient creates a client for the OpenAI API or a compatible server
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		dim:    cfg.Dimension,
	}
}

func (c *OpenAIClient) Dimension() int { return c.dim }

func (c *OpenAIClient) Name() string { return "openai/" + c.model }

// Embed sends all texts in one request and orders the results by index
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	}
	if c.dim > 0 && c.model != string(openai.AdaEmbeddingV2) {
		req.Dimensions = c.dim
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("no embedding returned for text %d", i)
		}
	}
	return out, nil
}
