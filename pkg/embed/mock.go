package embed

import (
	"context"
	"sync"
)

// MockEmbedder is a configurable Embedder for tests. Without EmbedFunc it
// delegates to a HashEmbedder of the same dimension.
type MockEmbedder struct {
	mu sync.Mutex

	Dim       int
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// Call tracking
	EmbedCalls [][]string
}

// NewMockEmbedder creates a mock producing dim-length vectors
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{Dim: dim}
}

func (m *MockEmbedder) Dimension() int { return m.Dim }

func (m *MockEmbedder) Name() string { return "mock" }

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.EmbedCalls = append(m.EmbedCalls, append([]string(nil), texts...))
	fn := m.EmbedFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}
	return NewHashEmbedder(m.Dim).Embed(ctx, texts)
}

// CallCount returns the number of Embed calls
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.EmbedCalls)
}

// TextCount returns the total number of texts embedded
func (m *MockEmbedder) TextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.EmbedCalls {
		n += len(c)
	}
	return n
}
