package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/wouteroostervld/chaingraph/pkg/db"
)

// Options bound a multi-hop retrieval
type Options struct {
	TopK    int  `json:"top_k"`
	MaxHops int  `json:"max_hops"`
	PerHop  int  `json:"per_hop"` // 0 = every new neighbor
	Rerank  bool `json:"rerank"`

	// Deadline is the wall-clock budget for the whole retrieval; 0 = none
	Deadline time.Duration `json:"deadline"`
}

// DefaultOptions returns the retrieval defaults
func DefaultOptions() Options {
	return Options{TopK: db.DefaultLimit, MaxHops: 2, Rerank: true}
}

// RetrievedHit is a hit annotated with the hop it was found on
type RetrievedHit struct {
	db.Hit
	Hop int `json:"hop"`
}

// Retrieval is the aggregated multi-hop result
type Retrieval struct {
	Hits      []RetrievedHit `json:"hits"`
	Hops      int            `json:"hops"`
	Truncated bool           `json:"truncated"`
	Degraded  bool           `json:"degraded"`
}

// IDs returns hit ids in result order
func (r *Retrieval) IDs() []string {
	ids := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.ID()
	}
	return ids
}

// MultiHopRetriever expands a vector search result along dependency edges
type MultiHopRetriever struct {
	opts Options
	now  func() time.Time
}

// NewMultiHopRetriever creates a retriever with the given bounds
func NewMultiHopRetriever(opts Options) *MultiHopRetriever {
	if opts.TopK <= 0 {
		opts.TopK = db.DefaultLimit
	}
	if opts.MaxHops < 0 {
		opts.MaxHops = 0
	}
	if opts.PerHop < 0 {
		opts.PerHop = 0
	}
	return &MultiHopRetriever{opts: opts, now: time.Now}
}

// Options returns the effective options
func (m *MultiHopRetriever) Options() Options { return m.opts }

// Retrieve runs the hop loop against one reader snapshot. Hop 0 is the plain
// vector search; each following hop adds the unvisited dependency neighbors
// of the previous frontier. When the deadline passes between hops the result
// gathered so far is returned with Truncated set.
func (m *MultiHopRetriever) Retrieve(ctx context.Context, r db.Reader, q db.Query) (*Retrieval, error) {
	start := m.now()

	initial, err := r.VectorSearch(q, m.opts.TopK)
	if err != nil {
		return nil, err
	}

	out := &Retrieval{
		Hits:     make([]RetrievedHit, 0, len(initial.Hits)),
		Degraded: initial.Degraded,
	}
	visited := make(map[string]struct{}, len(initial.Hits))
	frontier := make([]string, 0, len(initial.Hits))
	for _, h := range initial.Hits {
		out.Hits = append(out.Hits, RetrievedHit{Hit: h})
		visited[h.ID()] = struct{}{}
		frontier = append(frontier, h.ID())
	}

	for h := 0; h < m.opts.MaxHops && len(frontier) > 0; h++ {
		if m.expired(ctx, start) {
			out.Truncated = true
			break
		}
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		candidates, err := m.neighbors(r, frontier, visited)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		sims := map[string]float64{}
		if len(q.Embedding) > 0 && !initial.Degraded {
			if sims, err = r.Similarities(q.Embedding, candidates); err != nil {
				return nil, err
			}
		}
		if m.opts.Rerank {
			rerank(candidates, sims)
		}
		if m.opts.PerHop > 0 && len(candidates) > m.opts.PerHop {
			candidates = candidates[:m.opts.PerHop]
		}

		recs, err := r.GetChunks(candidates)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, rec := range recs {
			s := sims[rec.NodeID]
			out.Hits = append(out.Hits, RetrievedHit{
				Hit: db.Hit{Record: rec, Similarity: s, Score: s},
				Hop: h + 1,
			})
			frontier = append(frontier, rec.NodeID)
		}
		// Candidates without a stored record are still visited
		for _, id := range candidates {
			visited[id] = struct{}{}
		}
		out.Hops = h + 1
	}

	if out.Truncated {
		slog.Debug("Multi-hop retrieval hit deadline", "hops", out.Hops, "hits", len(out.Hits))
	}
	return out, nil
}

func (m *MultiHopRetriever) expired(ctx context.Context, start time.Time) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return m.opts.Deadline > 0 && m.now().Sub(start) >= m.opts.Deadline
}

// neighbors collects the unvisited dependency neighbors of the frontier in
// discovery order
func (m *MultiHopRetriever) neighbors(r db.Reader, frontier []string, visited map[string]struct{}) ([]string, error) {
	md, err := r.GraphMetadata(frontier)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, id := range frontier {
		meta, ok := md[id]
		if !ok {
			continue
		}
		for _, n := range meta.Neighbors() {
			if _, ok := visited[n]; ok {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out, nil
}

// rerank orders candidates by similarity descending, then id. Candidates
// without a stored embedding go last.
func rerank(ids []string, sims map[string]float64) {
	sort.SliceStable(ids, func(i, j int) bool {
		si, oki := sims[ids[i]]
		sj, okj := sims[ids[j]]
		if oki != okj {
			return oki
		}
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
}
