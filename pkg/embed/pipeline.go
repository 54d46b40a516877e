package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PipelineConfig controls batching and parallelism
type PipelineConfig struct {
	// BatchSize is the number of texts sent per backend call
	BatchSize int

	// Concurrency bounds the number of batches in flight. 1 runs batches
	// sequentially.
	Concurrency int

	// RequestsPerSecond rate-limits backend calls; 0 means unlimited
	RequestsPerSecond float64

	// Dimension is the deployment's embedding dimension. Vectors of any
	// other length are rejected.
	Dimension int
}

// DefaultPipelineConfig returns the default batching settings
func DefaultPipelineConfig(dim int) PipelineConfig {
	return PipelineConfig{BatchSize: 32, Concurrency: 4, Dimension: dim}
}

// Item is one text to embed
type Item struct {
	ID       string
	Content  string
	Language string
}

// Result holds the merged output of a pipeline run. Vectors is indexed like
// the input; a nil entry means the item could not be embedded.
type Result struct {
	Vectors [][]float32

	CacheHits         int
	Computed          int
	Substituted       int
	Failed            int
	FailedBatches     int
	DimensionRejected int

	// Errors holds the BackendError and DimensionMismatchError values
	Errors []error
}

// Pipeline embeds items in fixed-size batches through a bounded worker pool
// and merges results by item index, so batch completion order never
// affects the output.
type Pipeline struct {
	embedder Embedder
	fallback Embedder
	cache    Cache
	limiter  *rate.Limiter
	cfg      PipelineConfig
}

// NewPipeline creates a pipeline. cache and fallback may be nil; with a
// fallback, failed batches are substituted instead of left empty.
func NewPipeline(embedder Embedder, cache Cache, fallback Embedder, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Dimension <= 0 && embedder != nil {
		cfg.Dimension = embedder.Dimension()
	}
	p := &Pipeline{embedder: embedder, fallback: fallback, cache: cache, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return p
}

// Dimension returns the enforced vector length
func (p *Pipeline) Dimension() int { return p.cfg.Dimension }

// Embedder returns the primary backend
func (p *Pipeline) Embedder() Embedder { return p.embedder }

type batchOutcome struct {
	err         error
	substituted int
}

// Run embeds all items. Per-batch failures are recorded in the result; the
// returned error is non-nil only when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, items []Item) (*Result, error) {
	res := &Result{Vectors: make([][]float32, len(items))}
	if len(items) == 0 {
		return res, nil
	}

	keys := make([]string, len(items))
	firstByKey := make(map[string]int, len(items))
	var misses []int
	for i, it := range items {
		keys[i] = Key(it.Content, it.Language)
		if p.cache != nil {
			if v, ok := p.cache.Get(ctx, keys[i]); ok && len(v) == p.cfg.Dimension {
				res.Vectors[i] = v
				res.CacheHits++
				continue
			}
		}
		if _, dup := firstByKey[keys[i]]; dup {
			continue
		}
		firstByKey[keys[i]] = i
		misses = append(misses, i)
	}
	recordCache(ctx, res.CacheHits, len(items)-res.CacheHits)

	var batches [][]int
	for start := 0; start < len(misses); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(misses))
		batches = append(batches, misses[start:end])
	}

	computed := make([][]float32, len(items))
	outcomes := make([]batchOutcome, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for b, idx := range batches {
		g.Go(func() error {
			texts := make([]string, len(idx))
			for j, i := range idx {
				texts[j] = items[i].Content
			}

			vecs, err := p.embedBatch(gctx, p.embedder, texts)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				outcomes[b].err = &BackendError{Backend: p.backendName(), Batch: b, Size: len(idx), Err: err}
				slog.Warn("Embedding batch failed", "batch", b, "size", len(idx), "error", err)

				if p.fallback == nil {
					return nil
				}
				vecs, err = p.embedBatch(gctx, p.fallback, texts)
				if err != nil {
					slog.Warn("Fallback embedder failed", "batch", b, "error", err)
					return nil
				}
				outcomes[b].substituted = len(idx)
			}

			for j, i := range idx {
				computed[i] = vecs[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embedding pipeline cancelled: %w", err)
	}

	substitutedBatch := make(map[int]bool)
	for b, o := range outcomes {
		if o.err != nil {
			res.FailedBatches++
			res.Errors = append(res.Errors, o.err)
		}
		if o.substituted > 0 {
			res.Substituted += o.substituted
			for _, i := range batches[b] {
				substitutedBatch[i] = true
			}
		}
	}
	recordSubstitutions(ctx, res.Substituted)

	for _, i := range misses {
		v := computed[i]
		if v == nil {
			continue
		}
		if err := CheckDimension(v, p.cfg.Dimension, items[i].ID); err != nil {
			res.DimensionRejected++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Vectors[i] = v
		if !substitutedBatch[i] {
			res.Computed++
			if p.cache != nil {
				p.cache.Put(ctx, keys[i], v)
			}
		}
	}

	// Items sharing content with an earlier miss reuse its vector
	for i := range items {
		if res.Vectors[i] != nil {
			continue
		}
		if first := firstByKey[keys[i]]; first != i && res.Vectors[first] != nil {
			res.Vectors[i] = cloneVector(res.Vectors[first])
			continue
		}
		res.Failed++
	}

	return res, nil
}

func (p *Pipeline) backendName() string {
	if p.embedder == nil {
		return "none"
	}
	return p.embedder.Name()
}

func (p *Pipeline) embedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("no embedding backend configured")
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	vecs, err := e.Embed(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("backend returned %d vectors for %d texts", len(vecs), len(texts))
	}
	recordBatch(ctx, e.Name(), time.Since(start), err == nil)
	return vecs, err
}

// EmbedQuery embeds a single query text, consulting the cache first
func (p *Pipeline) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := Key(text, "query")
	if p.cache != nil {
		if v, ok := p.cache.Get(ctx, key); ok && len(v) == p.cfg.Dimension {
			return v, nil
		}
	}

	vecs, err := p.embedBatch(ctx, p.embedder, []string{text})
	if err != nil {
		return nil, &BackendError{Backend: p.backendName(), Size: 1, Err: err}
	}
	if err := CheckDimension(vecs[0], p.cfg.Dimension, ""); err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(ctx, key, vecs[0])
	}
	return vecs[0], nil
}
