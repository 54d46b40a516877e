package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores embeddings keyed by content hash. The key is a pure function
// of the content, so concurrent writers racing on one key store the same
// value and implementations only need atomic insertion.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Put(ctx context.Context, key string, vec []float32)
}

// Key returns the cache key for a chunk: sha256 over the language and the
// normalized source.
func Key(content, language string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(language)) + "\x00" + Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Normalize canonicalises source text for hashing: CRLF becomes LF,
// trailing whitespace is trimmed from each line and leading/trailing blank
// lines are dropped.
func Normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

// LRUCache is a size-bounded in-process cache. When full, the least
// recently used entry is evicted; entries also expire after ttl when ttl > 0.
type LRUCache struct {
	lru *expirable.LRU[string, []float32]
}

// NewLRUCache creates an LRU cache holding at most size entries. size <= 0
// means unbounded and ttl <= 0 means entries never expire.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size < 0 {
		size = 0
	}
	return &LRUCache{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return cloneVector(v), true
}

func (c *LRUCache) Put(_ context.Context, key string, vec []float32) {
	c.lru.Add(key, cloneVector(vec))
}

// Len returns the number of cached entries
func (c *LRUCache) Len() int { return c.lru.Len() }

// TieredCache puts a fast cache in front of a persistent one. Hits in the
// back tier are promoted to the front.
type TieredCache struct {
	front Cache
	back  Cache
}

// NewTieredCache combines two caches; either may be nil
func NewTieredCache(front, back Cache) Cache {
	switch {
	case front == nil && back == nil:
		return nil
	case back == nil:
		return front
	case front == nil:
		return back
	}
	return &TieredCache{front: front, back: back}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := t.front.Get(ctx, key); ok {
		return v, true
	}
	v, ok := t.back.Get(ctx, key)
	if !ok {
		return nil, false
	}
	slog.Debug("Embedding cache hit (persistent)", "key", key[:min(12, len(key))])
	t.front.Put(ctx, key, v)
	return v, true
}

func (t *TieredCache) Put(ctx context.Context, key string, vec []float32) {
	t.front.Put(ctx, key, vec)
	t.back.Put(ctx, key, vec)
}

func cloneVector(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// EncodeVector serializes a vector as little-endian float32s, the same
// layout sqlite-vec uses for its blobs
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector parses a little-endian float32 blob
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
