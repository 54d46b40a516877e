package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
)

// EdgeType defines the relationship between two chunks
type EdgeType int

const (
	// EdgeContains links a chunk to a chunk it structurally owns
	EdgeContains EdgeType = iota

	// EdgeReferences is a generic symbol reference
	EdgeReferences

	// EdgeImports links a chunk to an imported module or symbol
	EdgeImports

	// EdgeUses links a chunk to a type it uses
	EdgeUses

	// EdgeCalls links a caller to a callee
	EdgeCalls

	// EdgeImplements links a type to an interface it implements
	EdgeImplements

	// EdgeExtends links a type to its base type
	EdgeExtends
)

var edgeTypeNames = map[EdgeType]string{
	EdgeContains:   "CONTAINS",
	EdgeReferences: "REFERENCES",
	EdgeImports:    "IMPORTS",
	EdgeUses:       "USES",
	EdgeCalls:      "CALLS",
	EdgeImplements: "IMPLEMENTS",
	EdgeExtends:    "EXTENDS",
}

// String returns the canonical upper-case name
func (t EdgeType) String() string {
	if s, ok := edgeTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EdgeType(%d)", int(t))
}

// Precedence orders types for collapsing parallel references. The numeric
// value is the precedence: EXTENDS > IMPLEMENTS > CALLS > USES > IMPORTS >
// REFERENCES > CONTAINS.
func (t EdgeType) Precedence() int { return int(t) }

// IsDependency reports whether the edge counts for graph metrics
func (t EdgeType) IsDependency() bool { return t != EdgeContains }

// ParseEdgeType parses a type name, case-insensitively
func ParseEdgeType(s string) (EdgeType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range edgeTypeNames {
		if name == upper {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown edge type %q", s)
}

func (t EdgeType) MarshalText() ([]byte, error) {
	if _, ok := edgeTypeNames[t]; !ok {
		return nil, fmt.Errorf("invalid edge type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *EdgeType) UnmarshalText(text []byte) error {
	parsed, err := ParseEdgeType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Edge is a typed, directed dependency between two chunks
type Edge struct {
	SourceID    string   `json:"source_id"`
	TargetID    string   `json:"target_id"`
	Type        EdgeType `json:"type"`
	Strength    float64  `json:"strength"`
	IsDirect    bool     `json:"is_direct"`
	IsRequired  bool     `json:"is_required"`
	Description string   `json:"description,omitempty"`

	// Unresolved marks an edge whose target is an external placeholder
	Unresolved bool `json:"unresolved,omitempty"`
}

// Position classifies a node by its dependency degree
type Position string

const (
	PositionRoot         Position = "root"
	PositionLeaf         Position = "leaf"
	PositionIntermediate Position = "intermediate"
	PositionIsolated     Position = "isolated"
)

// Metadata holds the structural metrics derived for one node
type Metadata struct {
	DependencyCount      int      `json:"dependency_count"`
	IncomingCount        int      `json:"incoming_count"`
	OutgoingCount        int      `json:"outgoing_count"`
	InCycle              bool     `json:"in_cycle"`
	GraphPosition        Position `json:"graph_position"`
	Instability          float64  `json:"instability"`
	HasImports           bool     `json:"has_imports"`
	HasExtends           bool     `json:"has_extends"`
	HasImplements        bool     `json:"has_implements"`
	HasCalls             bool     `json:"has_calls"`
	HasUses              bool     `json:"has_uses"`
	IncomingDependencies []string `json:"incoming_dependencies"`
	OutgoingDependencies []string `json:"outgoing_dependencies"`
}

// Neighbors returns incoming and outgoing dependency ids, deduplicated and sorted
func (m *Metadata) Neighbors() []string {
	seen := make(map[string]struct{}, len(m.IncomingDependencies)+len(m.OutgoingDependencies))
	for _, id := range m.IncomingDependencies {
		seen[id] = struct{}{}
	}
	for _, id := range m.OutgoingDependencies {
		seen[id] = struct{}{}
	}
	return sortedKeys(seen)
}

// Graph is the full dependency graph for one project: all chunk nodes plus
// the collapsed edge list. CONTAINS edges are included but kept out of the
// metrics.
type Graph struct {
	Nodes map[string]*chunk.CodeChunk
	Edges []Edge
}

// NodeIDs returns node ids in ascending order
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DependencyEdges returns the non-containment edges
func (g *Graph) DependencyEdges() []Edge {
	out := make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e.Type.IsDependency() {
			out = append(out, e)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		return edges[i].TargetID < edges[j].TargetID
	})
}
