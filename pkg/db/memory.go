package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// MemoryConfig configures an in-process store
type MemoryConfig struct {
	EmbeddingDim int
	Schema       SchemaMode

	// SkipVectors drops embeddings on write so every search runs degraded
	SkipVectors bool
}

type memProject struct {
	records map[string]*Record
	edges   []graph.Edge
	byNode  map[string][]int
}

type memState struct {
	projects map[string]*memProject
}

// MemoryDB keeps project snapshots in memory. Writers build a new state and
// publish it with one atomic pointer store, so readers never observe a
// partially applied ingestion.
type MemoryDB struct {
	dim     int
	mode    SchemaMode
	vectors bool

	mu    sync.Mutex // serializes writers
	state atomic.Pointer[memState]
}

// NewMemoryDB creates an empty in-memory store
func NewMemoryDB(cfg MemoryConfig) (*MemoryDB, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.EmbeddingDim)
	}
	mode, err := ParseSchemaMode(string(cfg.Schema))
	if err != nil {
		return nil, err
	}
	m := &MemoryDB{dim: cfg.EmbeddingDim, mode: mode, vectors: !cfg.SkipVectors}
	m.state.Store(&memState{projects: map[string]*memProject{}})
	return m, nil
}

func (m *MemoryDB) EmbeddingDim() int      { return m.dim }
func (m *MemoryDB) SchemaMode() SchemaMode { return m.mode }
func (m *MemoryDB) Close() error           { return nil }

func (m *MemoryDB) prepare(r *Record) *Record {
	out := m.mode.conform(r).Clone()
	if !m.vectors {
		out.Embedding = nil
	}
	return out
}

func (m *MemoryDB) AddChunks(ctx context.Context, project string, records []*Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Load()
	old := cur.projects[project]
	next := &memProject{records: make(map[string]*Record)}
	if old != nil {
		for id, r := range old.records {
			next.records[id] = r
		}
		next.edges = old.edges
	}

	var errs []error
	for _, r := range records {
		if r.HasEmbedding() {
			if err := embed.CheckDimension(r.Embedding, m.dim, r.NodeID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		next.records[r.NodeID] = m.prepare(r)
	}
	next.index()

	m.publish(cur, project, next)
	return errors.Join(errs...)
}

func (m *MemoryDB) ReplaceProject(ctx context.Context, project string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSnapshot(snap, m.dim); err != nil {
		return err
	}

	next := &memProject{records: make(map[string]*Record, len(snap.Records))}
	for _, r := range snap.Records {
		next.records[r.NodeID] = m.prepare(r)
	}
	next.edges = append([]graph.Edge(nil), snap.Edges...)
	next.index()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish(m.state.Load(), project, next)
	return nil
}

func (m *MemoryDB) publish(cur *memState, project string, p *memProject) {
	projects := make(map[string]*memProject, len(cur.projects)+1)
	for k, v := range cur.projects {
		projects[k] = v
	}
	projects[project] = p
	m.state.Store(&memState{projects: projects})
}

func (m *MemoryDB) View(ctx context.Context, project string, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := m.state.Load().projects[project]
	if p == nil {
		p = &memProject{records: map[string]*Record{}}
	}
	return fn(newReader(&memSource{p: p, dim: m.dim, vec: m.vectors}, m.mode))
}

func (m *MemoryDB) Projects(ctx context.Context) ([]string, error) {
	state := m.state.Load()
	out := make([]string, 0, len(state.projects))
	for id := range state.projects {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (p *memProject) index() {
	p.byNode = make(map[string][]int)
	for i, e := range p.edges {
		p.byNode[e.SourceID] = append(p.byNode[e.SourceID], i)
		if e.TargetID != e.SourceID {
			p.byNode[e.TargetID] = append(p.byNode[e.TargetID], i)
		}
	}
}

// checkSnapshot rejects a snapshot containing any wrong-length vector
func checkSnapshot(snap *Snapshot, dim int) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	for _, r := range snap.Records {
		if r.HasEmbedding() {
			if err := embed.CheckDimension(r.Embedding, dim, r.NodeID); err != nil {
				return err
			}
		}
	}
	return nil
}

type memSource struct {
	p   *memProject
	dim int
	vec bool
}

func (s *memSource) vectors() bool  { return s.vec }
func (s *memSource) dimension() int { return s.dim }

func (s *memSource) pick(ids []string) []*Record {
	if ids == nil {
		out := make([]*Record, 0, len(s.p.records))
		for _, r := range s.p.records {
			out = append(out, r)
		}
		return out
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.p.records[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *memSource) similarities(query []float32, ids []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, r := range s.pick(ids) {
		if r.HasEmbedding() {
			out[r.NodeID] = cosine(query, r.Embedding)
		}
	}
	return out, nil
}

func (s *memSource) records(ids []string, withVectors bool) (map[string]*Record, error) {
	picked := s.pick(ids)
	out := make(map[string]*Record, len(picked))
	for _, r := range picked {
		c := r.Clone()
		if !withVectors {
			c.Embedding = nil
		}
		out[r.NodeID] = c
	}
	return out, nil
}

func (s *memSource) edges(nodeID string) ([]graph.Edge, error) {
	if nodeID == "" {
		return append([]graph.Edge{}, s.p.edges...), nil
	}
	idx := s.p.byNode[nodeID]
	out := make([]graph.Edge, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.p.edges[i])
	}
	return out, nil
}

func (s *memSource) stats() (*Stats, error) {
	return computeStats(s.p.records, s.p.edges), nil
}
