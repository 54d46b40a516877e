package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/db"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
	"github.com/wouteroostervld/chaingraph/pkg/search"
)

// A calls B calls C calls D, A uses X, E is isolated
func newServer(t *testing.T, metrics http.Handler) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chunks := []*chunk.CodeChunk{
		{NodeID: "A", ChunkType: chunk.TypeFunction, Name: "alpha", Content: "func alpha() { beta() }", Embedding: []float32{1, 0, 0, 0}},
		{NodeID: "B", ChunkType: chunk.TypeFunction, Name: "beta", Content: "func beta() { gamma() }", Embedding: []float32{0, 1, 0, 0}},
		{NodeID: "C", ChunkType: chunk.TypeFunction, Name: "gamma", Content: "func gamma() { delta() }", Embedding: []float32{0, 0, 1, 0}},
		{NodeID: "D", ChunkType: chunk.TypeFunction, Name: "delta", Content: "func delta() {}", Embedding: []float32{0, 0, 0, 1}},
		{NodeID: "E", ChunkType: chunk.TypeFunction, Name: "epsilon", Content: "func epsilon() {}", Embedding: []float32{0.8, 0, 0.6, 0}},
		{NodeID: "X", ChunkType: chunk.TypeClass, Name: "Options", Content: "type Options struct {}", Embedding: []float32{0.6, 0.8, 0, 0}},
	}
	edges := []graph.Edge{
		{SourceID: "A", TargetID: "B", Type: graph.EdgeCalls, Strength: 1, IsDirect: true},
		{SourceID: "A", TargetID: "X", Type: graph.EdgeUses, Strength: 1, IsDirect: true},
		{SourceID: "B", TargetID: "C", Type: graph.EdgeCalls, Strength: 1, IsDirect: true},
		{SourceID: "C", TargetID: "D", Type: graph.EdgeCalls, Strength: 1, IsDirect: true},
	}
	g := &graph.Graph{Nodes: map[string]*chunk.CodeChunk{}, Edges: edges}
	for _, c := range chunks {
		g.Nodes[c.NodeID] = c
	}
	md := graph.ComputeMetadata(g)

	snap := &db.Snapshot{Edges: edges}
	for _, c := range chunks {
		snap.Records = append(snap.Records, db.NewRecord(c, md.Nodes[c.NodeID], nil))
	}
	store, err := db.NewMemoryDB(db.MemoryConfig{EmbeddingDim: 4})
	require.NoError(t, err)
	require.NoError(t, store.ReplaceProject(context.Background(), "shop", snap))

	return New(search.New(nil, store, nil), metrics)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()
	out := new(T)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	return out
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decode[ErrorResponse](t, rec).Code)
}

func TestHealth(t *testing.T) {
	rec := do(t, newServer(t, nil), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ingest_runs_total 1\n"))
	})
	rec := do(t, newServer(t, metrics), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingest_runs_total")

	rec = do(t, newServer(t, nil), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVectorSearch(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name    string
		body    map[string]any
		status  int
		code    string
		wantIDs []string
	}{
		{name: "by embedding", body: map[string]any{"embedding": []float32{0, 0, 0, 1}, "limit": 1}, status: 200, wantIDs: []string{"D"}},
		{name: "default limit", body: map[string]any{"embedding": []float32{1, 0, 0, 0}}, status: 200, wantIDs: []string{"A", "E", "X", "B", "C", "D"}},
		{name: "wrong dimension", body: map[string]any{"embedding": []float32{1, 0}}, status: 400, code: CodeDimensionMismatch},
		{name: "empty query", body: map[string]any{}, status: 400, code: CodeInvalidRequest},
		{name: "negative limit", body: map[string]any{"query": "x", "limit": -1}, status: 400, code: CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/projects/shop/search", tt.body)
			if tt.code != "" {
				assertError(t, rec, tt.status, tt.code)
				return
			}
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			res := decode[db.SearchResult](t, rec)
			assert.Equal(t, tt.wantIDs, res.IDs())
			assert.False(t, res.Degraded)
		})
	}
}

func TestKeywordSearchWithoutEmbedder(t *testing.T) {
	rec := do(t, newServer(t, nil), http.MethodPost, "/v1/projects/shop/search", map[string]any{"query": "Options struct"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[db.SearchResult](t, rec)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"X"}, res.IDs())
}

func TestFilteredSearch(t *testing.T) {
	rec := do(t, newServer(t, nil), http.MethodPost, "/v1/projects/shop/search/filtered", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
		"filter":    map[string]any{"graph_position": []string{"leaf"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"X", "D"}, decode[db.SearchResult](t, rec).IDs())
}

func TestCombinedSearch(t *testing.T) {
	s := newServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/projects/shop/search/combined", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
		"anchor":    "A",
		"alpha":     0,
		"beta":      1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[db.SearchResult](t, rec)
	assert.Equal(t, []string{"A", "B", "X", "C", "D", "E"}, res.IDs())
	require.NotNil(t, res.Hits[0].GraphDistance)
	assert.Equal(t, 0, *res.Hits[0].GraphDistance)
	assert.InDelta(t, 0.25, res.Hits[4].Score, 1e-9)

	rec = do(t, s, http.MethodPost, "/v1/projects/shop/search/combined", map[string]any{"embedding": []float32{1, 0, 0, 0}})
	assertError(t, rec, http.StatusBadRequest, CodeInvalidRequest)

	rec = do(t, s, http.MethodPost, "/v1/projects/shop/search/combined", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
		"anchor":    "nope",
	})
	assertError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestRetrieve(t *testing.T) {
	s := newServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/projects/shop/retrieve", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
		"top_k":     1,
		"max_hops":  2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[search.Retrieval](t, rec)
	assert.Equal(t, []string{"A", "X", "B", "C"}, res.IDs())
	assert.Equal(t, []int{0, 1, 1, 2}, []int{res.Hits[0].Hop, res.Hits[1].Hop, res.Hits[2].Hop, res.Hits[3].Hop})
	assert.Equal(t, 2, res.Hops)
	assert.False(t, res.Truncated)

	// max_hops 0 is the plain vector search
	rec = do(t, s, http.MethodPost, "/v1/projects/shop/retrieve", map[string]any{
		"embedding": []float32{1, 0, 0, 0},
		"top_k":     2,
		"max_hops":  0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"A", "E"}, decode[search.Retrieval](t, rec).IDs())

	rec = do(t, s, http.MethodPost, "/v1/projects/shop/retrieve", map[string]any{"query": "x", "top_k": 0})
	assertError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
}

func TestChunk(t *testing.T) {
	s := newServer(t, nil)

	rec := do(t, s, http.MethodGet, "/v1/projects/shop/chunks/B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[db.ChunkWithDependencies](t, rec)
	assert.Equal(t, "B", res.Chunk.NodeID)
	require.Len(t, res.Incoming, 1)
	assert.Equal(t, "A", res.Incoming[0].NodeID)
	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, "C", res.Outgoing[0].NodeID)
	assert.Equal(t, graph.PositionIntermediate, res.Chunk.GraphMetadata.GraphPosition)

	rec = do(t, s, http.MethodGet, "/v1/projects/shop/chunks/nope", nil)
	assertError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestGraphAndStats(t *testing.T) {
	s := newServer(t, nil)

	rec := do(t, s, http.MethodGet, "/v1/projects/shop/graph", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exp := decode[graph.Export](t, rec)
	assert.Len(t, exp.Nodes, 6)
	assert.Len(t, exp.Edges, 4)
	assert.Equal(t, graph.EdgeCalls, exp.Edges[0].Type)

	rec = do(t, s, http.MethodGet, "/v1/projects/shop/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[db.Stats](t, rec)
	assert.Equal(t, 6, stats.Chunks)
	assert.Equal(t, 6, stats.Embedded)
	assert.Equal(t, 4, stats.Edges)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&db.StorageError{Op: "read", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable, CodeStorage},
		{db.ErrSchemaMismatch, http.StatusInternalServerError, CodeSchemaMismatch},
		{&db.DimensionMismatchError{Expected: 4, Got: 2}, http.StatusBadRequest, CodeDimensionMismatch},
		{context.Canceled, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
