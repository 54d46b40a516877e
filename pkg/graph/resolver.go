package graph

import (
	"sort"
	"strings"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
)

// Resolver maps textual references onto node ids. Lookups try the exact
// qualified name first, then progressively shorter dotted suffixes, then the
// simple name when it is unambiguous (or unambiguous within the referring
// file).
type Resolver struct {
	byQualified map[string]string
	bySimple    map[string][]string
	files       map[string]string
	types       map[string]chunk.Type
}

// NewResolver indexes the given chunks by qualified and simple name
func NewResolver(chunks []*chunk.CodeChunk) *Resolver {
	r := &Resolver{
		byQualified: make(map[string]string, len(chunks)),
		bySimple:    make(map[string][]string),
		files:       make(map[string]string, len(chunks)),
		types:       make(map[string]chunk.Type, len(chunks)),
	}

	sorted := append([]*chunk.CodeChunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	for _, c := range sorted {
		r.files[c.NodeID] = c.FilePath
		r.types[c.NodeID] = c.ChunkType

		if q := normalizeRef(c.QualifiedName); q != "" {
			// First writer wins so duplicates resolve deterministically
			if _, exists := r.byQualified[q]; !exists {
				r.byQualified[q] = c.NodeID
			}
		}

		names := map[string]struct{}{}
		if c.Name != "" {
			names[c.Name] = struct{}{}
		}
		if c.ChunkType != chunk.TypeFile {
			if s := simpleName(c.QualifiedName); s != "" {
				names[s] = struct{}{}
			}
		}
		for n := range names {
			r.bySimple[n] = append(r.bySimple[n], c.NodeID)
		}
	}

	return r
}

// Resolve looks up ref as seen from a chunk in fromFile
func (r *Resolver) Resolve(ref, fromFile string) (string, bool) {
	q := normalizeRef(ref)
	if q == "" {
		return "", false
	}

	if id, found := r.byQualified[q]; found {
		return id, true
	}

	parts := strings.Split(q, ".")
	for i := 1; i < len(parts)-1; i++ {
		if id, found := r.byQualified[strings.Join(parts[i:], ".")]; found {
			return id, true
		}
	}

	candidates := r.bySimple[parts[len(parts)-1]]
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}

	var local []string
	for _, c := range candidates {
		if fromFile != "" && r.files[c] == fromFile {
			local = append(local, c)
		}
	}
	if len(local) == 1 {
		return local[0], true
	}
	return "", false
}

// ResolveID accepts either a node id or a name reference
func (r *Resolver) ResolveID(ref string) (string, bool) {
	if _, ok := r.files[ref]; ok {
		return ref, true
	}
	return r.Resolve(ref, "")
}

// IsType reports whether id is a class or interface chunk
func (r *Resolver) IsType(id string) bool {
	t := r.types[id]
	return t == chunk.TypeClass || t == chunk.TypeInterface
}

// IsCallable reports whether a call expression can target id
func (r *Resolver) IsCallable(id string) bool {
	switch r.types[id] {
	case chunk.TypeFunction, chunk.TypeMethod, chunk.TypeClass:
		return true
	}
	return false
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	ref = strings.NewReplacer("::", ".", "/", ".", "\\", ".", "#", ".", ":", ".").Replace(ref)
	return strings.Trim(ref, ".")
}

func simpleName(qualified string) string {
	q := normalizeRef(qualified)
	if q == "" {
		return ""
	}
	if i := strings.LastIndex(q, "."); i >= 0 {
		return q[i+1:]
	}
	return q
}
