package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

const dim = 8

const records = `{"node_id":"f:main","chunk_type":"file","name":"main.py","file_path":"main.py","language":"python","start_line":1,"end_line":12,"content":"# main module"}
{"node_id":"c:Base","chunk_type":"class","name":"Base","qualified_name":"main.Base","parent_id":"f:main","file_path":"main.py","language":"python","start_line":1,"end_line":2,"content":"class Base:\n    pass"}
{"node_id":"c:Child","chunk_type":"class","name":"Child","qualified_name":"main.Child","parent_id":"f:main","file_path":"main.py","language":"python","start_line":4,"end_line":6,"content":"class Child:\n    pass","metadata":{"extends":["Base"],"calls":["helper","missing_fn"]}}
{"node_id":"fn:helper","chunk_type":"function","name":"helper","qualified_name":"main.helper","parent_id":"f:main","file_path":"main.py","language":"python","start_line":8,"end_line":9,"content":"def helper():\n    return 1"}
{"node_id":"fn:lost","chunk_type":"function","name":"lost","parent_id":"f:gone","file_path":"other.py","language":"python","start_line":1,"end_line":2,"content":"def lost():\n    return 2"}
{bad json
`

func newIndexer(t *testing.T, store db.Store, pipeline *embed.Pipeline, cfg *Config) *Indexer {
	t.Helper()
	idx, err := New(cfg, store, pipeline)
	require.NoError(t, err)
	return idx
}

func newMemory(t *testing.T) *db.MemoryDB {
	t.Helper()
	m, err := db.NewMemoryDB(db.MemoryConfig{EmbeddingDim: dim})
	require.NoError(t, err)
	return m
}

func hashPipeline() *embed.Pipeline {
	return embed.NewPipeline(embed.NewMockEmbedder(dim), nil, nil, embed.DefaultPipelineConfig(dim))
}

func writeRecords(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(records), 0600))
	return path
}

func TestIngestFile(t *testing.T) {
	store := newMemory(t)
	idx := newIndexer(t, store, hashPipeline(), nil)
	ctx := context.Background()

	report, err := idx.IngestFile(ctx, "proj", writeRecords(t))
	require.NoError(t, err)

	_, err = uuid.Parse(report.RunID)
	assert.NoError(t, err)
	assert.Equal(t, "proj", report.Project)
	assert.Equal(t, 6, report.Records)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 5, report.Stored)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 5, report.Embedded)
	assert.Empty(t, report.Cycles)

	var parseErr *chunk.ParseError
	require.NotEmpty(t, report.Errors)
	assert.ErrorAs(t, report.Errors[0], &parseErr)

	err = store.View(ctx, "proj", func(r db.Reader) error {
		child, err := r.GetChunkWithDependencies("c:Child")
		require.NoError(t, err)
		assert.Equal(t, graph.EdgeExtends, child.Chunk.ReferenceTypes["c:Base"])
		assert.Equal(t, graph.EdgeCalls, child.Chunk.ReferenceTypes["fn:helper"])
		assert.Len(t, child.Chunk.Embedding, dim)
		assert.True(t, child.Chunk.GraphMetadata.HasExtends)
		assert.Equal(t, "f:main", child.Chunk.ParentID)
		assert.Equal(t, 1, child.Chunk.Depth)

		file, err := r.GetChunks([]string{"f:main", "fn:lost"})
		require.NoError(t, err)
		require.Len(t, file, 2)
		assert.Equal(t, []string{"c:Base", "c:Child", "fn:helper"}, file[0].Children)
		assert.True(t, file[1].Orphan)

		st, err := r.Stats()
		require.NoError(t, err)
		assert.Equal(t, 5, st.Chunks)
		assert.Equal(t, 5, st.Embedded)
		assert.Equal(t, 3, st.EdgeTypes["CONTAINS"])
		assert.Equal(t, 1, st.Orphans)
		return nil
	})
	require.NoError(t, err)
}

func TestIngestFile_Missing(t *testing.T) {
	idx := newIndexer(t, newMemory(t), nil, nil)
	_, err := idx.IngestFile(context.Background(), "p", filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}

func TestIngestFiles_UnionAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.jsonl")
	derived := filepath.Join(dir, "derived.jsonl")
	require.NoError(t, os.WriteFile(base, []byte(
		`{"node_id":"c:Base","chunk_type":"class","name":"Base","file_path":"base.py","start_line":1,"end_line":2,"content":"class Base: pass"}`+"\n"), 0600))
	require.NoError(t, os.WriteFile(derived, []byte(
		`{"node_id":"c:Derived","chunk_type":"class","name":"Derived","file_path":"derived.py","start_line":1,"end_line":2,"content":"class Derived(Base): pass","metadata":{"extends":["Base"]}}`+"\n{oops\n"), 0600))

	store := newMemory(t)
	idx := newIndexer(t, store, hashPipeline(), nil)
	ctx := context.Background()

	report, err := idx.IngestFiles(ctx, "p", []string{base, derived})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, 3, report.Records)
	assert.Equal(t, 1, report.Skipped)

	err = store.View(ctx, "p", func(r db.Reader) error {
		d, err := r.GetChunkWithDependencies("c:Derived")
		require.NoError(t, err)
		assert.Equal(t, graph.EdgeExtends, d.Chunk.ReferenceTypes["c:Base"])
		return nil
	})
	require.NoError(t, err)

	// A missing file aborts before the snapshot is touched
	_, err = idx.IngestFiles(ctx, "p", []string{base, filepath.Join(dir, "gone.jsonl")})
	require.Error(t, err)
	err = store.View(ctx, "p", func(r db.Reader) error {
		st, err := r.Stats()
		require.NoError(t, err)
		assert.Equal(t, 2, st.Chunks)
		return nil
	})
	require.NoError(t, err)
}

func TestIngestFiles_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.jsonl")
	second := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(first, []byte(
		`{"node_id":"fn:run","chunk_type":"function","name":"run","file_path":"a.py","start_line":1,"end_line":2,"content":"def run(): pass"}`+"\n"), 0600))
	require.NoError(t, os.WriteFile(second, []byte(
		`{"node_id":"fn:stop","chunk_type":"function","name":"stop","file_path":"b.py","start_line":1,"end_line":2,"content":"def stop(): pass"}`+"\n"+
			`{"node_id":"fn:run","chunk_type":"function","name":"run","file_path":"b.py","start_line":4,"end_line":5,"content":"def run(): return 1"}`+"\n"), 0600))

	store := newMemory(t)
	idx := newIndexer(t, store, hashPipeline(), nil)
	ctx := context.Background()

	report, err := idx.IngestFiles(ctx, "p", []string{first, second})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Records)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, 1, report.Skipped)

	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], chunk.ErrDuplicateNodeID)
	var perr *chunk.ParseError
	require.True(t, errors.As(report.Errors[0], &perr))
	assert.Equal(t, second, perr.File)
	assert.Equal(t, 2, perr.Line)
	assert.Equal(t, "fn:run", perr.NodeID)

	// the first file's record wins
	err = store.View(ctx, "p", func(r db.Reader) error {
		d, err := r.GetChunkWithDependencies("fn:run")
		require.NoError(t, err)
		assert.Equal(t, "a.py", d.Chunk.FilePath)
		return nil
	})
	require.NoError(t, err)
}

func sample() []*chunk.CodeChunk {
	return []*chunk.CodeChunk{
		{NodeID: "a", ChunkType: chunk.TypeFunction, Name: "ping", FilePath: "src/a.go", Content: "func ping() {}",
			Metadata: map[string]any{"calls": []string{"pong"}}},
		{NodeID: "b", ChunkType: chunk.TypeFunction, Name: "pong", FilePath: "src/b.go", Content: "func pong() {}",
			Metadata: map[string]any{"calls": []string{"ping"}}},
		{NodeID: "v", ChunkType: chunk.TypeFunction, Name: "vendored", FilePath: "vendor/v.go", Content: "func vendored() {}"},
	}
}

func TestIngest_CyclesAndFilter(t *testing.T) {
	store := newMemory(t)
	cfg := DefaultConfig()
	cfg.Blacklist = []string{`^vendor/`}
	idx := newIndexer(t, store, hashPipeline(), cfg)

	input := sample()
	report, err := idx.Ingest(context.Background(), "p", input)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, 2, report.Stored)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, []string{"a", "b"}, report.Cycles[0].Members)

	for _, c := range input {
		assert.Nil(t, c.Embedding, "input chunks are not annotated")
	}

	err = store.View(context.Background(), "p", func(r db.Reader) error {
		md, err := r.GraphMetadata([]string{"a"})
		require.NoError(t, err)
		assert.True(t, md["a"].InCycle)
		return nil
	})
	require.NoError(t, err)
}

func TestIngest_InvalidFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Whitelist = []string{`(`}
	_, err := New(cfg, newMemory(t), nil)
	assert.Error(t, err)
}

func TestIngest_ReplacesSnapshot(t *testing.T) {
	store := newMemory(t)
	idx := newIndexer(t, store, hashPipeline(), nil)
	ctx := context.Background()

	_, err := idx.Ingest(ctx, "p", sample())
	require.NoError(t, err)
	_, err = idx.Ingest(ctx, "p", sample()[:1])
	require.NoError(t, err)

	err = store.View(ctx, "p", func(r db.Reader) error {
		st, err := r.Stats()
		require.NoError(t, err)
		assert.Equal(t, 1, st.Chunks)
		assert.Equal(t, 0, st.Edges)
		return nil
	})
	require.NoError(t, err)
}

func TestIngest_EmbeddingProblemsAreCounted(t *testing.T) {
	t.Run("no pipeline", func(t *testing.T) {
		idx := newIndexer(t, newMemory(t), nil, nil)
		report, err := idx.Ingest(context.Background(), "p", sample())
		require.NoError(t, err)
		assert.Equal(t, 3, report.EmbeddingFailed)
		assert.Equal(t, 0, report.Embedded)
		assert.Equal(t, 3, report.Stored)
	})

	t.Run("backend failure", func(t *testing.T) {
		mock := embed.NewMockEmbedder(dim)
		mock.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, errors.New("backend down")
		}
		pipeline := embed.NewPipeline(mock, nil, nil, embed.DefaultPipelineConfig(dim))
		idx := newIndexer(t, newMemory(t), pipeline, nil)

		report, err := idx.Ingest(context.Background(), "p", sample())
		require.NoError(t, err)
		assert.Equal(t, 3, report.EmbeddingFailed)
		assert.Equal(t, 3, report.Stored)
		var backendErr *embed.BackendError
		require.NotEmpty(t, report.Errors)
		assert.ErrorAs(t, report.Errors[0], &backendErr)
	})

	t.Run("supplied vectors", func(t *testing.T) {
		mock := embed.NewMockEmbedder(dim)
		idx := newIndexer(t, newMemory(t), embed.NewPipeline(mock, nil, nil, embed.DefaultPipelineConfig(dim)), nil)

		input := sample()
		input[0].Embedding = make([]float32, dim)
		input[0].Embedding[0] = 1
		input[1].Embedding = []float32{1, 2, 3}

		report, err := idx.Ingest(context.Background(), "p", input)
		require.NoError(t, err)
		assert.Equal(t, 1, report.DimensionRejected)
		assert.Equal(t, 3, report.Embedded)
		assert.Equal(t, 2, mock.TextCount(), "only chunks without a valid vector go to the backend")
	})
}

// failingStore rejects every snapshot with a storage error
type failingStore struct {
	*db.MemoryDB
}

func (f failingStore) ReplaceProject(ctx context.Context, project string, snap *db.Snapshot) error {
	return &db.StorageError{Op: "commit", Err: errors.New("disk full")}
}

func TestIngest_StorageErrorAborts(t *testing.T) {
	mem := newMemory(t)
	good := newIndexer(t, mem, nil, nil)
	_, err := good.Ingest(context.Background(), "p", sample())
	require.NoError(t, err)

	bad := newIndexer(t, failingStore{mem}, nil, nil)
	report, err := bad.Ingest(context.Background(), "p", sample()[:1])
	assert.Nil(t, report)
	var storageErr *db.StorageError
	require.ErrorAs(t, err, &storageErr)

	err = mem.View(context.Background(), "p", func(r db.Reader) error {
		st, err := r.Stats()
		require.NoError(t, err)
		assert.Equal(t, 3, st.Chunks, "previous snapshot kept")
		return nil
	})
	require.NoError(t, err)
}

func TestIngest_SerializedPerProject(t *testing.T) {
	store := newMemory(t)
	idx := newIndexer(t, store, hashPipeline(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.Ingest(context.Background(), "p", sample())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err := store.View(context.Background(), "p", func(r db.Reader) error {
		st, err := r.Stats()
		require.NoError(t, err)
		assert.Equal(t, 3, st.Chunks)
		assert.Equal(t, 2, st.Edges)
		return nil
	})
	require.NoError(t, err)
}
