package db

import (
	"context"

	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// Reader answers queries against one consistent project snapshot. All
// methods are side-effect free.
type Reader interface {
	// VectorSearch returns the limit chunks most similar to the query,
	// ties broken by ascending node id
	VectorSearch(q Query, limit int) (*SearchResult, error)

	// DependencyFilteredSearch is VectorSearch restricted to chunks whose
	// graph metadata satisfies filter
	DependencyFilteredSearch(q Query, filter *MetadataFilter, limit int) (*SearchResult, error)

	// CombinedScoreSearch ranks embedded chunks by
	// alpha*similarity + beta/(1+distance from anchor)
	CombinedScoreSearch(q Query, anchor string, alpha, beta float64, limit int) (*SearchResult, error)

	GetChunkWithDependencies(id string) (*ChunkWithDependencies, error)

	// GetChunks returns the existing chunks among ids, in ids order
	GetChunks(ids []string) ([]*Record, error)

	// GraphMetadata returns metadata for ids; nil ids means every chunk
	GraphMetadata(ids []string) (map[string]*graph.Metadata, error)

	// Similarities scores the stored embeddings of ids against vec
	// without recomputing anything. Chunks without an embedding are absent.
	Similarities(vec []float32, ids []string) (map[string]float64, error)

	Edges() ([]graph.Edge, error)
	Stats() (*Stats, error)
}

// Store persists project snapshots
type Store interface {
	// AddChunks inserts or overwrites records. Records whose embedding has
	// the wrong length are rejected with a DimensionMismatchError; the rest
	// are written.
	AddChunks(ctx context.Context, project string, records []*Record) error

	// ReplaceProject atomically swaps the project's chunks and edges
	ReplaceProject(ctx context.Context, project string, snap *Snapshot) error

	// View runs fn against a consistent snapshot of the project
	View(ctx context.Context, project string, fn func(Reader) error) error

	// Projects lists the stored project ids
	Projects(ctx context.Context) ([]string, error)

	EmbeddingDim() int
	SchemaMode() SchemaMode
	Close() error
}

// JobQueue is the persistent ingest work queue
type JobQueue interface {
	EnqueueJob(ctx context.Context, project, path, contentHash string) (bool, error)
	ClaimJobs(ctx context.Context, limit int) ([]*Job, error)
	MarkJobDone(ctx context.Context, id int64) error
	MarkJobFailed(ctx context.Context, id int64, errorMsg string, retryCount int) error
	RequeueJob(ctx context.Context, id int64, errorMsg string, retryCount int) error
	ResetStuckJobs(ctx context.Context) (int64, error)
	JobCounts(ctx context.Context) (map[JobStatus]int, error)
}

// Database is the SQLite-backed store with its job queue
type Database interface {
	Store
	JobQueue

	HealthCheck() error
	Path() string
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

var (
	_ Database = (*DB)(nil)
	_ Store    = (*MemoryDB)(nil)
)
