package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

var tracer = otel.Tracer("chaingraph.search")

// ErrEmptyQuery is returned for a request with neither text nor embedding
var ErrEmptyQuery = errors.New("query text or embedding required")

// QueryEmbedder turns query text into a vector. *embed.Pipeline implements
// it through the embedding cache.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Engine answers queries against a store
type Engine struct {
	store    db.Store
	embedder QueryEmbedder
	cfg      Config
}

// Config holds search engine configuration
type Config struct {
	Alpha    float64
	Beta     float64
	Retrieve Options
}

// DefaultConfig returns the engine defaults
func DefaultConfig() *Config {
	return &Config{Alpha: 0.7, Beta: 0.3, Retrieve: DefaultOptions()}
}

// Request is a query given as text, as a precomputed embedding, or both
type Request struct {
	Text      string    `json:"query"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// New creates a new search engine. A nil embedder limits text queries to
// degraded keyword matching.
func New(cfg *Config, store db.Store, embedder QueryEmbedder) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{store: store, embedder: embedder, cfg: *cfg}
}

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.cfg }

// resolve builds the store query. A supplied embedding of the wrong length
// is rejected; a failing backend degrades the query to keyword matching.
func (e *Engine) resolve(ctx context.Context, req Request) (db.Query, error) {
	q := db.Query{Text: req.Text, Embedding: req.Embedding}
	if len(q.Embedding) > 0 {
		if err := embed.CheckDimension(q.Embedding, e.store.EmbeddingDim(), "query"); err != nil {
			return q, err
		}
		return q, nil
	}
	if req.Text == "" {
		return q, ErrEmptyQuery
	}
	if e.embedder == nil {
		return q, nil
	}

	vec, err := e.embedder.EmbedQuery(ctx, req.Text)
	var backendErr *embed.BackendError
	switch {
	case err == nil:
	case errors.As(err, &backendErr):
		slog.Warn("Query embedding failed, using keyword search", "error", err)
		return q, nil
	default:
		return q, err
	}
	if err := embed.CheckDimension(vec, e.store.EmbeddingDim(), "query"); err != nil {
		return q, err
	}
	q.Embedding = vec
	return q, nil
}

func (e *Engine) start(ctx context.Context, op, project string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "search."+op, trace.WithAttributes(attribute.String("project", project)))
}

// VectorSearch returns the limit chunks most similar to the request
func (e *Engine) VectorSearch(ctx context.Context, project string, req Request, limit int) (*db.SearchResult, error) {
	ctx, span := e.start(ctx, "vector", project)
	defer span.End()

	q, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	var res *db.SearchResult
	err = e.store.View(ctx, project, func(r db.Reader) error {
		res, err = r.VectorSearch(q, limit)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("vector search: %w", err)
	}
	span.SetAttributes(attribute.Int("hits", len(res.Hits)), attribute.Bool("degraded", res.Degraded))
	return res, nil
}

// FilteredSearch is VectorSearch restricted by graph metadata
func (e *Engine) FilteredSearch(ctx context.Context, project string, req Request, filter *db.MetadataFilter, limit int) (*db.SearchResult, error) {
	ctx, span := e.start(ctx, "filtered", project)
	defer span.End()

	q, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	var res *db.SearchResult
	err = e.store.View(ctx, project, func(r db.Reader) error {
		res, err = r.DependencyFilteredSearch(q, filter, limit)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("filtered search: %w", err)
	}
	return res, nil
}

// CombinedSearch blends similarity with graph proximity to anchor. When
// both weights are nil the configured alpha and beta apply; when only one
// is given the other is 0.
func (e *Engine) CombinedSearch(ctx context.Context, project string, req Request, anchor string, alpha, beta *float64, limit int) (*db.SearchResult, error) {
	ctx, span := e.start(ctx, "combined", project)
	defer span.End()

	a, b := weights(e.cfg, alpha, beta)

	q, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	var res *db.SearchResult
	err = e.store.View(ctx, project, func(r db.Reader) error {
		res, err = r.CombinedScoreSearch(q, anchor, a, b, limit)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("combined search: %w", err)
	}
	return res, nil
}

func weights(cfg Config, alpha, beta *float64) (float64, float64) {
	if alpha == nil && beta == nil {
		return cfg.Alpha, cfg.Beta
	}
	var a, b float64
	if alpha != nil {
		a = *alpha
	}
	if beta != nil {
		b = *beta
	}
	return a, b
}

// Retrieve runs a multi-hop retrieval. Nil options take the configured ones.
func (e *Engine) Retrieve(ctx context.Context, project string, req Request, opts *Options) (*Retrieval, error) {
	ctx, span := e.start(ctx, "retrieve", project)
	defer span.End()

	o := e.cfg.Retrieve
	if opts != nil {
		o = *opts
	}

	q, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	retriever := NewMultiHopRetriever(o)
	var res *Retrieval
	err = e.store.View(ctx, project, func(r db.Reader) error {
		res, err = retriever.Retrieve(ctx, r, q)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	span.SetAttributes(
		attribute.Int("hops", res.Hops),
		attribute.Int("hits", len(res.Hits)),
		attribute.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// Chunk returns one chunk with its dependency neighbors
func (e *Engine) Chunk(ctx context.Context, project, id string) (*db.ChunkWithDependencies, error) {
	var out *db.ChunkWithDependencies
	err := e.store.View(ctx, project, func(r db.Reader) error {
		var err error
		out, err = r.GetChunkWithDependencies(id)
		return err
	})
	return out, err
}

// Graph returns the stored dependency graph of a project in export form
func (e *Engine) Graph(ctx context.Context, project string) (*graph.Export, error) {
	g := &graph.Graph{Nodes: map[string]*chunk.CodeChunk{}}
	err := e.store.View(ctx, project, func(r db.Reader) error {
		md, err := r.GraphMetadata(nil)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(md))
		for id := range md {
			ids = append(ids, id)
		}
		recs, err := r.GetChunks(ids)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			c := rec.CodeChunk
			g.Nodes[rec.NodeID] = &c
		}
		g.Edges, err = r.Edges()
		return err
	})
	if err != nil {
		return nil, err
	}
	return graph.NewExport(g), nil
}

// Stats returns the project summary
func (e *Engine) Stats(ctx context.Context, project string) (*db.Stats, error) {
	var out *db.Stats
	err := e.store.View(ctx, project, func(r db.Reader) error {
		var err error
		out, err = r.Stats()
		return err
	})
	return out, err
}
