package graph

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
)

// DefaultMaxStrength caps the strength of a collapsed edge
const DefaultMaxStrength = 10

// ExternalPrefix prefixes the node ids of external placeholder nodes
const ExternalPrefix = "external:"

// metadataRefKeys maps parser-declared reference lists onto edge types
var metadataRefKeys = map[string]EdgeType{
	"imports":    EdgeImports,
	"extends":    EdgeExtends,
	"implements": EdgeImplements,
	"calls":      EdgeCalls,
	"uses":       EdgeUses,
	"references": EdgeReferences,
}

var (
	reImportBlock  = regexp.MustCompile(`(?s)\bimport\s*\(([^)]*)\)`)
	reQuoted       = regexp.MustCompile(`"([^"\s]+)"`)
	reGoImport     = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`)
	rePyFromImport = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\s+([\w., ]+)`)
	reImport       = regexp.MustCompile(`(?m)^\s*import\s+(?:static\s+)?([\w.]+(?:\s*,\s*[\w.]+)*)\s*;?\s*$`)
	reJSImport     = regexp.MustCompile(`(?m)^\s*import\s+.*?\s+from\s+['"]([^'"]+)['"]`)
	reRequire      = regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`)
	reUsing        = regexp.MustCompile(`(?m)^\s*using\s+([\w.]+)\s*;`)
	reExtends      = regexp.MustCompile(`\b(?:class|interface)\s+\w+(?:<[^>{]*>)?\s+extends\s+([\w.<>, ]+?)(?:\s+implements\b|\s*\{|\s*$)`)
	reImplements   = regexp.MustCompile(`\bimplements\s+([\w.<>, ]+?)(?:\s*\{|\s*$)`)
	rePyClass      = regexp.MustCompile(`(?m)^\s*class\s+\w+\s*\(([^)]*)\)\s*:`)
	reCall         = regexp.MustCompile(`\b([A-Za-z_]\w*(?:\.[A-Za-z_]\w*)*)\s*\(`)
	reNew          = regexp.MustCompile(`\bnew\s+([A-Za-z_][\w.]*)`)
	reIdent        = regexp.MustCompile(`\b[A-Za-z_]\w*\b`)
)

var callKeywords = map[string]struct{}{
	"if": {}, "for": {}, "while": {}, "switch": {}, "return": {}, "func": {}, "def": {},
	"class": {}, "catch": {}, "function": {}, "sizeof": {}, "typeof": {}, "elif": {},
	"with": {}, "except": {}, "and": {}, "or": {}, "not": {}, "in": {}, "assert": {},
	"lambda": {}, "yield": {}, "await": {}, "new": {}, "super": {}, "this": {}, "self": {},
}

// AnalyzerConfig controls reference resolution
type AnalyzerConfig struct {
	// MaxStrength caps the raw occurrence count of a collapsed edge
	MaxStrength int

	// ExternalPlaceholders adds an external node for every unresolved
	// reference instead of only counting it
	ExternalPlaceholders bool
}

// DefaultAnalyzerConfig returns the default analyzer settings
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{MaxStrength: DefaultMaxStrength}
}

// Unresolved is a reference whose target could not be found
type Unresolved struct {
	SourceID  string   `json:"source_id"`
	Reference string   `json:"reference"`
	Type      EdgeType `json:"type"`
}

func (u Unresolved) String() string {
	return fmt.Sprintf("%s -%s-> %s (unresolved)", u.SourceID, u.Type, u.Reference)
}

// Analysis is the output of one analyzer pass
type Analysis struct {
	Graph      *Graph
	Resolver   *Resolver
	Unresolved []Unresolved

	// Unparseable lists chunks skipped for edge extraction
	Unparseable []string
}

// ReferenceTypes returns target -> edge type for the outgoing dependency
// edges of id
func (a *Analysis) ReferenceTypes(id string) map[string]EdgeType {
	out := make(map[string]EdgeType)
	for _, e := range a.Graph.Edges {
		if e.SourceID == id && e.Type.IsDependency() {
			out[e.TargetID] = e.Type
		}
	}
	return out
}

// Analyzer derives typed dependency edges from chunk content and metadata
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer creates an Analyzer
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.MaxStrength <= 0 {
		cfg.MaxStrength = DefaultMaxStrength
	}
	return &Analyzer{cfg: cfg}
}

// rawRef is a textual reference before resolution. Declared and structural
// references are reported when unresolved; heuristic call and identifier
// matches are not.
type rawRef struct {
	target string
	typ    EdgeType
}

type pairKey struct{ source, target string }

type pairAgg struct {
	typ        EdgeType
	count      int
	unresolved bool
	ref        string
}

// Analyze builds the dependency graph for a containment forest
func (a *Analyzer) Analyze(forest *chunk.Forest) *Analysis {
	chunks := forest.Chunks()
	resolver := NewResolver(chunks)

	res := &Analysis{
		Graph:    &Graph{Nodes: make(map[string]*chunk.CodeChunk, len(chunks))},
		Resolver: resolver,
	}
	for _, c := range chunks {
		res.Graph.Nodes[c.NodeID] = c
	}

	pairs := make(map[pairKey]*pairAgg)
	add := func(src, tgt string, typ EdgeType, unresolved bool, ref string) {
		k := pairKey{src, tgt}
		p, ok := pairs[k]
		if !ok {
			p = &pairAgg{typ: typ, ref: ref}
			pairs[k] = p
		}
		p.count++
		if typ.Precedence() > p.typ.Precedence() {
			p.typ = typ
			p.ref = ref
		}
		p.unresolved = p.unresolved || unresolved
	}

	for _, c := range chunks {
		if parent, ok := forest.Parent(c.NodeID); ok {
			add(parent, c.NodeID, EdgeContains, false, c.NodeID)
		}
	}

	for _, c := range chunks {
		if !parseable(c.Content) {
			res.Unparseable = append(res.Unparseable, c.NodeID)
			slog.Warn("Skipping edge extraction for unparseable chunk", "node_id", c.NodeID, "file", c.FilePath)
			continue
		}

		for _, ref := range a.declaredRefs(c) {
			a.resolveInto(c, ref, true, resolver, res, add)
		}

		own := ownContent(c, forest)
		seenTargets := make(map[string]struct{})
		for _, ref := range structuralRefs(own) {
			if id := a.resolveInto(c, ref, false, resolver, res, add); id != "" {
				seenTargets[id] = struct{}{}
			}
		}
		for _, ref := range heuristicRefs(own) {
			id, ok := resolver.Resolve(ref.target, c.FilePath)
			if !ok || id == c.NodeID {
				continue
			}
			switch ref.typ {
			case EdgeCalls:
				if !resolver.IsCallable(id) {
					continue
				}
			case EdgeUses:
				if !resolver.IsType(id) {
					continue
				}
				if _, dup := seenTargets[id]; dup {
					continue
				}
			}
			add(c.NodeID, id, ref.typ, false, ref.target)
		}
	}

	res.Graph.Edges = a.collapse(pairs, res.Graph.Nodes)

	sort.SliceStable(res.Unresolved, func(i, j int) bool {
		ui, uj := res.Unresolved[i], res.Unresolved[j]
		if ui.SourceID != uj.SourceID {
			return ui.SourceID < uj.SourceID
		}
		if ui.Reference != uj.Reference {
			return ui.Reference < uj.Reference
		}
		return ui.Type < uj.Type
	})

	slog.Debug("Dependency analysis complete",
		"nodes", len(res.Graph.Nodes),
		"edges", len(res.Graph.Edges),
		"unresolved", len(res.Unresolved),
		"unparseable", len(res.Unparseable))

	return res
}

// resolveInto resolves a counted reference, recording it as unresolved or
// adding an external placeholder when the target is unknown. It returns the
// resolved target id, or "" when no internal target was found.
func (a *Analyzer) resolveInto(c *chunk.CodeChunk, ref rawRef, declared bool, resolver *Resolver, res *Analysis,
	add func(src, tgt string, typ EdgeType, unresolved bool, ref string)) string {

	id, ok := resolver.Resolve(ref.target, c.FilePath)
	if !ok && declared {
		// Declared references may name a node id directly
		if _, isNode := res.Graph.Nodes[ref.target]; isNode {
			id, ok = ref.target, true
		}
	}
	if ok {
		if id == c.NodeID && !declared {
			return ""
		}
		add(c.NodeID, id, ref.typ, false, ref.target)
		return id
	}

	res.Unresolved = append(res.Unresolved, Unresolved{SourceID: c.NodeID, Reference: ref.target, Type: ref.typ})
	if a.cfg.ExternalPlaceholders {
		extID := ExternalPrefix + normalizeRef(ref.target)
		if _, exists := res.Graph.Nodes[extID]; !exists {
			res.Graph.Nodes[extID] = &chunk.CodeChunk{
				NodeID:        extID,
				ChunkType:     chunk.TypeUnknown,
				Name:          simpleName(ref.target),
				QualifiedName: normalizeRef(ref.target),
				Metadata:      map[string]any{"external": true},
			}
		}
		add(c.NodeID, extID, ref.typ, true, ref.target)
	}
	return ""
}

func (a *Analyzer) declaredRefs(c *chunk.CodeChunk) []rawRef {
	keys := make([]string, 0, len(metadataRefKeys))
	for k := range metadataRefKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var refs []rawRef
	for _, k := range keys {
		for _, target := range c.MetadataStrings(k) {
			refs = append(refs, rawRef{target: target, typ: metadataRefKeys[k]})
		}
	}
	return refs
}

func (a *Analyzer) collapse(pairs map[pairKey]*pairAgg, nodes map[string]*chunk.CodeChunk) []Edge {
	edges := make([]Edge, 0, len(pairs))
	for k, p := range pairs {
		strength := p.count
		if strength > a.cfg.MaxStrength {
			strength = a.cfg.MaxStrength
		}
		edges = append(edges, Edge{
			SourceID:    k.source,
			TargetID:    k.target,
			Type:        p.typ,
			Strength:    float64(strength),
			IsDirect:    !p.unresolved,
			IsRequired:  p.typ == EdgeExtends || p.typ == EdgeImplements || p.typ == EdgeImports || p.typ == EdgeContains,
			Description: describe(nodes[k.source], p),
			Unresolved:  p.unresolved,
		})
	}
	sortEdges(edges)
	return edges
}

func describe(src *chunk.CodeChunk, p *pairAgg) string {
	name := src.Name
	if name == "" {
		name = src.NodeID
	}
	verb := strings.ToLower(p.typ.String())
	if p.count > 1 {
		return fmt.Sprintf("%s %s %s (%d references)", name, verb, p.ref, p.count)
	}
	return fmt.Sprintf("%s %s %s", name, verb, p.ref)
}

func parseable(content string) bool {
	return utf8.ValidString(content) && !strings.ContainsRune(content, 0)
}

// ownContent strips the text of child chunks so each reference is
// attributed to the innermost chunk containing it.
func ownContent(c *chunk.CodeChunk, forest *chunk.Forest) string {
	own := c.Content
	for _, childID := range c.Children {
		child := forest.Nodes[childID]
		if child == nil || child.Content == "" {
			continue
		}
		own = strings.Replace(own, child.Content, "", 1)
	}
	return own
}

// structuralRefs extracts imports and inheritance clauses
func structuralRefs(content string) []rawRef {
	var refs []rawRef
	addAll := func(typ EdgeType, targets ...string) {
		for _, t := range targets {
			if t = strings.TrimSpace(t); t != "" {
				refs = append(refs, rawRef{target: t, typ: typ})
			}
		}
	}

	for _, m := range reImportBlock.FindAllStringSubmatch(content, -1) {
		for _, q := range reQuoted.FindAllStringSubmatch(m[1], -1) {
			addAll(EdgeImports, q[1])
		}
	}
	for _, m := range reGoImport.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImports, m[1])
	}
	for _, m := range rePyFromImport.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImports, m[1])
		for _, name := range strings.Split(m[2], ",") {
			name = strings.TrimSpace(strings.SplitN(strings.TrimSpace(name), " ", 2)[0])
			if name != "" && name != "*" {
				addAll(EdgeImports, m[1]+"."+name)
			}
		}
	}
	for _, m := range reImport.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImports, strings.Split(m[1], ",")...)
	}
	for _, m := range reJSImport.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImports, m[1])
	}
	for _, m := range reRequire.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImports, m[1])
	}
	for _, m := range reUsing.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImports, m[1])
	}

	for _, m := range reExtends.FindAllStringSubmatch(content, -1) {
		addAll(EdgeExtends, splitTypeList(m[1])...)
	}
	for _, m := range reImplements.FindAllStringSubmatch(content, -1) {
		addAll(EdgeImplements, splitTypeList(m[1])...)
	}
	for _, m := range rePyClass.FindAllStringSubmatch(content, -1) {
		for _, base := range splitTypeList(m[1]) {
			if base == "object" || strings.Contains(base, "=") {
				continue
			}
			addAll(EdgeExtends, base)
		}
	}

	return refs
}

// heuristicRefs extracts call expressions, instantiations and identifier
// uses. Each occurrence in the text is counted once: an instantiation
// followed by arguments is already a call, and identifiers inside a call or
// instantiation name are not uses of their own.
func heuristicRefs(content string) []rawRef {
	var (
		refs    []rawRef
		covered []span
	)
	for _, m := range reCall.FindAllStringSubmatchIndex(content, -1) {
		name := content[m[2]:m[3]]
		covered = append(covered, span{m[2], m[3]})
		if _, kw := callKeywords[name]; kw {
			continue
		}
		refs = append(refs, rawRef{target: name, typ: EdgeCalls})
	}
	for _, m := range reNew.FindAllStringSubmatchIndex(content, -1) {
		sp := span{m[2], m[3]}
		if sp.within(covered) {
			continue
		}
		covered = append(covered, sp)
		refs = append(refs, rawRef{target: content[m[2]:m[3]], typ: EdgeUses})
	}
	for _, m := range reIdent.FindAllStringIndex(content, -1) {
		tok := content[m[0]:m[1]]
		if _, kw := callKeywords[tok]; kw {
			continue
		}
		if (span{m[0], m[1]}).within(covered) {
			continue
		}
		refs = append(refs, rawRef{target: tok, typ: EdgeUses})
	}
	return refs
}

// span is a byte range [start, end) of chunk content
type span struct{ start, end int }

func (s span) within(spans []span) bool {
	for _, o := range spans {
		if s.start >= o.start && s.end <= o.end {
			return true
		}
	}
	return false
}

// splitTypeList splits "A, B<K, V>, pkg.C" into its top-level type names
func splitTypeList(s string) []string {
	var out []string
	depth := 0
	start := 0
	flush := func(end int) {
		part := strings.TrimSpace(s[start:end])
		if i := strings.IndexAny(part, "<[("); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		if part != "" {
			out = append(out, part)
		}
	}
	for i, r := range s {
		switch r {
		case '<', '[', '(':
			depth++
		case '>', ']', ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(s))
	return out
}
