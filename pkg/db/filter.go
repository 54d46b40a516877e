package db

import (
	"strings"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
	"github.com/wouteroostervld/chaingraph/pkg/graph"
)

// MetadataFilter is a predicate over a chunk's graph metadata. Nil and zero
// fields match everything; set fields must all match.
type MetadataFilter struct {
	HasImports    *bool `json:"has_imports,omitempty"`
	HasExtends    *bool `json:"has_extends,omitempty"`
	HasImplements *bool `json:"has_implements,omitempty"`
	HasCalls      *bool `json:"has_calls,omitempty"`
	HasUses       *bool `json:"has_uses,omitempty"`
	InCycle       *bool `json:"in_cycle,omitempty"`

	Positions []graph.Position `json:"graph_position,omitempty"`

	MinInstability *float64 `json:"min_instability,omitempty"`
	MaxInstability *float64 `json:"max_instability,omitempty"`
	MinIncoming    *int     `json:"min_incoming,omitempty"`
	MinOutgoing    *int     `json:"min_outgoing,omitempty"`

	ChunkTypes []chunk.Type `json:"chunk_types,omitempty"`
	PathPrefix string       `json:"path_prefix,omitempty"`
}

// Match reports whether the record satisfies every set condition
func (f *MetadataFilter) Match(r *Record) bool {
	if f == nil {
		return true
	}
	md := r.metadata()

	flags := []struct {
		want *bool
		got  bool
	}{
		{f.HasImports, md.HasImports},
		{f.HasExtends, md.HasExtends},
		{f.HasImplements, md.HasImplements},
		{f.HasCalls, md.HasCalls},
		{f.HasUses, md.HasUses},
		{f.InCycle, md.InCycle},
	}
	for _, fl := range flags {
		if fl.want != nil && *fl.want != fl.got {
			return false
		}
	}

	if len(f.Positions) > 0 && !containsPosition(f.Positions, md.GraphPosition) {
		return false
	}
	if f.MinInstability != nil && md.Instability < *f.MinInstability {
		return false
	}
	if f.MaxInstability != nil && md.Instability > *f.MaxInstability {
		return false
	}
	if f.MinIncoming != nil && md.IncomingCount < *f.MinIncoming {
		return false
	}
	if f.MinOutgoing != nil && md.OutgoingCount < *f.MinOutgoing {
		return false
	}

	if len(f.ChunkTypes) > 0 {
		ok := false
		for _, t := range f.ChunkTypes {
			if t == r.ChunkType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.PathPrefix != "" && !strings.HasPrefix(r.FilePath, f.PathPrefix) {
		return false
	}
	return true
}

func containsPosition(list []graph.Position, p graph.Position) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}
