package db

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// Record is a stored chunk: the parser's fields plus the embedding, the
// derived graph metadata and the resolved outgoing references
type Record struct {
	chunk.CodeChunk

	GraphMetadata  *graph.Metadata           `json:"graph_metadata,omitempty"`
	ReferenceIDs   []string                  `json:"reference_ids,omitempty"`
	ReferenceTypes map[string]graph.EdgeType `json:"reference_types,omitempty"`
}

// NewRecord wraps a chunk with its graph data. ReferenceIDs is derived from
// the reference map in ascending order.
func NewRecord(c *chunk.CodeChunk, md *graph.Metadata, refs map[string]graph.EdgeType) *Record {
	r := &Record{CodeChunk: *c, GraphMetadata: md}
	if len(refs) > 0 {
		r.ReferenceTypes = refs
		r.ReferenceIDs = make([]string, 0, len(refs))
		for id := range refs {
			r.ReferenceIDs = append(r.ReferenceIDs, id)
		}
		sort.Strings(r.ReferenceIDs)
	}
	return r
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	out := &Record{CodeChunk: *r.CodeChunk.Clone()}
	if r.GraphMetadata != nil {
		md := *r.GraphMetadata
		md.IncomingDependencies = append([]string(nil), md.IncomingDependencies...)
		md.OutgoingDependencies = append([]string(nil), md.OutgoingDependencies...)
		out.GraphMetadata = &md
	}
	if r.ReferenceIDs != nil {
		out.ReferenceIDs = append([]string(nil), r.ReferenceIDs...)
	}
	if r.ReferenceTypes != nil {
		out.ReferenceTypes = make(map[string]graph.EdgeType, len(r.ReferenceTypes))
		for k, v := range r.ReferenceTypes {
			out.ReferenceTypes[k] = v
		}
	}
	return out
}

// metadata returns the graph metadata, or an empty value when none is set
func (r *Record) metadata() *graph.Metadata {
	if r.GraphMetadata == nil {
		return &graph.Metadata{GraphPosition: graph.PositionIsolated}
	}
	return r.GraphMetadata
}

// Snapshot is the complete state of one project after an ingestion run
type Snapshot struct {
	Records []*Record
	Edges   []graph.Edge
}

// SchemaMode selects which per-chunk fields are persisted. It is chosen
// once per deployment.
type SchemaMode string

const (
	// SchemaMinimal keeps the core fields, the embedding and the graph
	// metadata
	SchemaMinimal SchemaMode = "minimal"

	// SchemaFull also keeps the parser's metadata map and the reference maps
	SchemaFull SchemaMode = "full"
)

// ParseSchemaMode validates a schema mode name. Empty means full.
func ParseSchemaMode(s string) (SchemaMode, error) {
	switch SchemaMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemaFull:
		return SchemaFull, nil
	case SchemaMinimal:
		return SchemaMinimal, nil
	}
	return "", fmt.Errorf("%w: unknown schema mode %q", ErrSchemaMismatch, s)
}

// conform strips the fields the mode does not persist. Used on write.
func (m SchemaMode) conform(r *Record) *Record {
	if m != SchemaMinimal {
		return r
	}
	if r.Metadata == nil && r.ReferenceIDs == nil && r.ReferenceTypes == nil {
		return r
	}
	out := *r
	out.Metadata = nil
	out.ReferenceIDs = nil
	out.ReferenceTypes = nil
	return &out
}

// check reports a record carrying fields the mode excludes. Used on read.
func (m SchemaMode) check(r *Record) error {
	if m == SchemaMinimal && (len(r.Metadata) > 0 || len(r.ReferenceTypes) > 0) {
		return fmt.Errorf("%w: chunk %s has extended fields in a minimal store", ErrSchemaMismatch, r.NodeID)
	}
	return nil
}

// Query is a search request. Text is used for degraded keyword matching
// when no embedding is available.
type Query struct {
	Embedding []float32
	Text      string
}

// Hit is one ranked search result
type Hit struct {
	Record     *Record `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`

	// GraphDistance is the hop count from the anchor in combined search;
	// -1 means unreachable
	GraphDistance *int `json:"graph_distance,omitempty"`

	id string
}

// ID returns the hit's node id
func (h Hit) ID() string {
	if h.Record != nil {
		return h.Record.NodeID
	}
	return h.id
}

// SearchResult is a ranked result list
type SearchResult struct {
	Hits     []Hit `json:"hits"`
	Degraded bool  `json:"degraded"`
}

// IDs returns the hit ids in rank order
func (r *SearchResult) IDs() []string {
	ids := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.ID()
	}
	return ids
}

// ChunkWithDependencies is a chunk with its resolved dependency neighbors
type ChunkWithDependencies struct {
	Chunk    *Record      `json:"chunk"`
	Incoming []*Record    `json:"incoming"`
	Outgoing []*Record    `json:"outgoing"`
	Edges    []graph.Edge `json:"edges"`
}

// Stats summarizes a project snapshot
type Stats struct {
	Chunks    int            `json:"chunks"`
	Embedded  int            `json:"embedded"`
	Edges     int            `json:"edges"`
	EdgeTypes map[string]int `json:"edge_types"`
	InCycle   int            `json:"in_cycle"`
	Orphans   int            `json:"orphans"`
}
