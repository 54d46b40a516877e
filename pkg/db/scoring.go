package db

import (
	"fmt"
	"math"
	"sort"

	"github.com/wouteroostervld/chaingraph/pkg/embed"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// DefaultLimit is used when a search passes limit <= 0
const DefaultLimit = 10

// source is the raw read access a store provides for one project snapshot.
// The ranking logic on top of it is shared by every store.
type source interface {
	// vectors reports whether embeddings are stored at all
	vectors() bool

	dimension() int

	// similarities returns cosine similarity to query for the embedded
	// chunks among ids; nil ids means every embedded chunk
	similarities(query []float32, ids []string) (map[string]float64, error)

	// records returns the records among ids; nil ids means all
	records(ids []string, withVectors bool) (map[string]*Record, error)

	// edges returns the edges touching nodeID; empty means all
	edges(nodeID string) ([]graph.Edge, error)

	stats() (*Stats, error)
}

// queryReader implements Reader over a source
type queryReader struct {
	src  source
	mode SchemaMode
}

func newReader(src source, mode SchemaMode) *queryReader {
	return &queryReader{src: src, mode: mode}
}

func (q *queryReader) checkQuery(vec []float32) error {
	return embed.CheckDimension(vec, q.src.dimension(), "query")
}

// degraded reports whether the query has to fall back to keyword matching
func (q *queryReader) degraded(query Query) bool {
	return !q.src.vectors() || len(query.Embedding) == 0
}

// semanticScores returns the semantic term for the candidate ids (nil means
// every candidate) along with the degraded flag
func (q *queryReader) semanticScores(query Query, ids []string) (map[string]float64, bool, error) {
	if q.degraded(query) {
		recs, err := q.src.records(ids, false)
		if err != nil {
			return nil, true, err
		}
		return keywordScores(recs, query.Text), true, nil
	}
	if err := q.checkQuery(query.Embedding); err != nil {
		return nil, false, err
	}
	sims, err := q.src.similarities(query.Embedding, ids)
	return sims, false, err
}

func (q *queryReader) VectorSearch(query Query, limit int) (*SearchResult, error) {
	scores, degraded, err := q.semanticScores(query, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, Hit{id: id, Similarity: s, Score: s})
	}
	return q.finish(hits, limit, degraded)
}

func (q *queryReader) DependencyFilteredSearch(query Query, filter *MetadataFilter, limit int) (*SearchResult, error) {
	all, err := q.src.records(nil, false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id, r := range all {
		if filter.Match(r) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return &SearchResult{Hits: []Hit{}, Degraded: q.degraded(query)}, nil
	}
	sort.Strings(ids)

	scores, degraded, err := q.semanticScores(query, ids)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, Hit{id: id, Record: all[id], Similarity: s, Score: s})
	}
	return q.finish(hits, limit, degraded)
}

func (q *queryReader) CombinedScoreSearch(query Query, anchor string, alpha, beta float64, limit int) (*SearchResult, error) {
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		return nil, fmt.Errorf("alpha and beta must be numbers")
	}
	anchorRec, err := q.src.records([]string{anchor}, false)
	if err != nil {
		return nil, err
	}
	if _, ok := anchorRec[anchor]; !ok {
		return nil, fmt.Errorf("anchor %s: %w", anchor, ErrNotFound)
	}

	scores, degraded, err := q.semanticScores(query, nil)
	if err != nil {
		return nil, err
	}
	if degraded {
		// Keyword scores only cover matching chunks; every chunk is a
		// candidate for the structural term
		all, err := q.src.records(nil, false)
		if err != nil {
			return nil, err
		}
		for id := range all {
			if _, ok := scores[id]; !ok {
				scores[id] = 0
			}
		}
	}

	edges, err := q.src.edges("")
	if err != nil {
		return nil, err
	}
	dist := graph.UndirectedAdjacency(edges).Distances(anchor, 0)

	hits := make([]Hit, 0, len(scores))
	for id, sim := range scores {
		d := -1
		if hop, ok := dist[id]; ok {
			d = hop
		}
		hits = append(hits, Hit{
			id:            id,
			Similarity:    sim,
			Score:         alpha*sim + beta*graph.ProximityScore(dist, id),
			GraphDistance: &d,
		})
	}
	return q.finish(hits, limit, degraded)
}

// finish ranks hits, trims to limit and loads the winning records
func (q *queryReader) finish(hits []Hit, limit int, degraded bool) (*SearchResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	hits = rankHits(hits, limit)

	var missing []string
	for _, h := range hits {
		if h.Record == nil {
			missing = append(missing, h.id)
		}
	}
	if len(missing) > 0 {
		recs, err := q.src.records(missing, false)
		if err != nil {
			return nil, err
		}
		for i := range hits {
			if hits[i].Record != nil {
				continue
			}
			r, ok := recs[hits[i].id]
			if !ok {
				return nil, fmt.Errorf("chunk %s vanished from snapshot: %w", hits[i].id, ErrNotFound)
			}
			hits[i].Record = r
		}
	}
	for _, h := range hits {
		if err := q.mode.check(h.Record); err != nil {
			return nil, err
		}
	}
	return &SearchResult{Hits: hits, Degraded: degraded}, nil
}

// rankHits orders by score descending, then node id ascending
func rankHits(hits []Hit, limit int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].id < hits[j].id
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (q *queryReader) GetChunkWithDependencies(id string) (*ChunkWithDependencies, error) {
	recs, err := q.src.records([]string{id}, true)
	if err != nil {
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err := q.mode.check(rec); err != nil {
		return nil, err
	}

	md := rec.metadata()
	neighbors, err := q.src.records(md.Neighbors(), false)
	if err != nil {
		return nil, err
	}
	edges, err := q.src.edges(id)
	if err != nil {
		return nil, err
	}

	out := &ChunkWithDependencies{Chunk: rec, Incoming: []*Record{}, Outgoing: []*Record{}, Edges: edges}
	for _, nid := range md.IncomingDependencies {
		if n, ok := neighbors[nid]; ok {
			out.Incoming = append(out.Incoming, n)
		}
	}
	for _, nid := range md.OutgoingDependencies {
		if n, ok := neighbors[nid]; ok {
			out.Outgoing = append(out.Outgoing, n)
		}
	}
	return out, nil
}

func (q *queryReader) GetChunks(ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	recs, err := q.src.records(ids, true)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := recs[id]; ok {
			if err := q.mode.check(r); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *queryReader) GraphMetadata(ids []string) (map[string]*graph.Metadata, error) {
	recs, err := q.src.records(ids, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*graph.Metadata, len(recs))
	for id, r := range recs {
		out[id] = r.metadata()
	}
	return out, nil
}

func (q *queryReader) Similarities(vec []float32, ids []string) (map[string]float64, error) {
	if !q.src.vectors() || len(ids) == 0 {
		return map[string]float64{}, nil
	}
	if err := q.checkQuery(vec); err != nil {
		return nil, err
	}
	return q.src.similarities(vec, ids)
}

func (q *queryReader) Edges() ([]graph.Edge, error) {
	return q.src.edges("")
}

func (q *queryReader) Stats() (*Stats, error) {
	return q.src.stats()
}

// cosine returns the cosine similarity of a and b, 0 when either is zero
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordScores is the degraded ranking: the fraction of query tokens found
// in a chunk's name and content. Chunks matching nothing are omitted.
func keywordScores(recs map[string]*Record, text string) map[string]float64 {
	out := make(map[string]float64)
	terms := uniqueTokens(text)
	if len(terms) == 0 {
		return out
	}
	for id, r := range recs {
		have := make(map[string]struct{})
		for _, field := range []string{r.Name, r.QualifiedName, r.Content} {
			for _, tok := range embed.Tokenize(field) {
				have[tok] = struct{}{}
			}
		}
		matched := 0
		for _, t := range terms {
			if _, ok := have[t]; ok {
				matched++
			}
		}
		if matched > 0 {
			out[id] = float64(matched) / float64(len(terms))
		}
	}
	return out
}

func uniqueTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range embed.Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func computeStats(recs map[string]*Record, edges []graph.Edge) *Stats {
	s := &Stats{Chunks: len(recs), Edges: len(edges), EdgeTypes: make(map[string]int)}
	for _, r := range recs {
		if r.HasEmbedding() {
			s.Embedded++
		}
		if r.GraphMetadata != nil && r.GraphMetadata.InCycle {
			s.InCycle++
		}
		if r.Orphan {
			s.Orphans++
		}
	}
	for _, e := range edges {
		s.EdgeTypes[e.Type.String()]++
	}
	return s
}
