package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic feature-hashing embedder. It needs no
// model and is used in tests and as the degraded substitute when the real
// backend is unavailable. Similar token sets give similar vectors.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder producing vectors of length dim
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Name() string { return fmt.Sprintf("hash/%d", h.dim) }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if h.dim <= 0 {
		return nil, fmt.Errorf("hash embedder dimension must be positive, got %d", h.dim)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float64, h.dim)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		h.accumulate(vec, tok, 1)
		if i > 0 {
			h.accumulate(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.dim)
	if norm == 0 {
		// Keep empty input away from the zero vector so cosine stays defined
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (h *HashEmbedder) accumulate(vec []float64, feature string, weight float64) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// Tokenize splits text into lower-case identifier parts, breaking
// camelCase and snake_case names apart
func Tokenize(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(text)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && len(cur) > 0 && i > 0 && unicode.IsLower(runes[i-1]) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
