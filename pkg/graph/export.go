package graph

import (
	"encoding/json"
	"io"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
)

// ExportNode is a node in the visualization export
type ExportNode struct {
	ID            string     `json:"id"`
	Type          chunk.Type `json:"type"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualified_name"`
}

// Export is the dependency graph format consumed by visualization and
// query tooling
type Export struct {
	Nodes []ExportNode `json:"nodes"`
	Edges []Edge       `json:"edges"`
}

// NewExport converts a graph to the export format, nodes sorted by id
func NewExport(g *Graph) *Export {
	out := &Export{
		Nodes: make([]ExportNode, 0, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for _, id := range g.NodeIDs() {
		c := g.Nodes[id]
		out.Nodes = append(out.Nodes, ExportNode{
			ID:            c.NodeID,
			Type:          c.ChunkType,
			Name:          c.Name,
			QualifiedName: c.QualifiedName,
		})
	}
	copy(out.Edges, g.Edges)
	sortEdges(out.Edges)
	return out
}

// Write encodes the export as indented JSON
func (e *Export) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}
