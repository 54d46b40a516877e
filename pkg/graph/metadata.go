package graph

import (
	"log/slog"
	"sort"
)

// Cycle is a strongly connected component of size >= 2, or a single node
// with a self-loop. Cycles are informational only.
type Cycle struct {
	Members []string `json:"members"`
}

// MetadataResult holds the per-node metrics and the detected cycles
type MetadataResult struct {
	Nodes  map[string]*Metadata
	Cycles []Cycle
}

// ComputeMetadata derives structural metrics for every node from the
// non-containment edges. It always recomputes over the whole graph.
func ComputeMetadata(g *Graph) *MetadataResult {
	ids := g.NodeIDs()
	res := &MetadataResult{Nodes: make(map[string]*Metadata, len(ids))}

	for _, id := range ids {
		res.Nodes[id] = &Metadata{
			IncomingDependencies: []string{},
			OutgoingDependencies: []string{},
		}
	}

	adj := make(map[string][]string, len(ids))
	selfLoop := make(map[string]bool)

	for _, e := range g.Edges {
		if !e.Type.IsDependency() {
			continue
		}
		src, okS := res.Nodes[e.SourceID]
		dst, okT := res.Nodes[e.TargetID]
		if !okS || !okT {
			continue
		}

		src.OutgoingCount++
		dst.IncomingCount++
		src.OutgoingDependencies = append(src.OutgoingDependencies, e.TargetID)
		dst.IncomingDependencies = append(dst.IncomingDependencies, e.SourceID)
		adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)

		if e.SourceID == e.TargetID {
			selfLoop[e.SourceID] = true
		}

		switch e.Type {
		case EdgeImports:
			src.HasImports = true
		case EdgeExtends:
			src.HasExtends = true
		case EdgeImplements:
			src.HasImplements = true
		case EdgeCalls:
			src.HasCalls = true
		case EdgeUses:
			src.HasUses = true
		}
	}

	for _, id := range ids {
		m := res.Nodes[id]
		sort.Strings(m.IncomingDependencies)
		sort.Strings(m.OutgoingDependencies)
		sort.Strings(adj[id])
		m.DependencyCount = m.OutgoingCount
		m.GraphPosition = classify(m.IncomingCount, m.OutgoingCount)
		m.Instability = instability(m.IncomingCount, m.OutgoingCount)
	}

	for _, scc := range stronglyConnected(ids, adj) {
		if len(scc) < 2 && !selfLoop[scc[0]] {
			continue
		}
		sort.Strings(scc)
		for _, id := range scc {
			res.Nodes[id].InCycle = true
		}
		res.Cycles = append(res.Cycles, Cycle{Members: scc})
	}
	sort.Slice(res.Cycles, func(i, j int) bool {
		return res.Cycles[i].Members[0] < res.Cycles[j].Members[0]
	})

	if len(res.Cycles) > 0 {
		slog.Info("Dependency cycles detected", "cycles", len(res.Cycles))
	}

	return res
}

func classify(in, out int) Position {
	switch {
	case in == 0 && out == 0:
		return PositionIsolated
	case in == 0:
		return PositionRoot
	case out == 0:
		return PositionLeaf
	default:
		return PositionIntermediate
	}
}

// instability is Ce/(Ca+Ce); nodes without any dependency edges are 0.
func instability(in, out int) float64 {
	if in+out == 0 {
		return 0
	}
	return float64(out) / float64(in+out)
}

// stronglyConnected runs Tarjan's algorithm with an explicit call stack so
// deep dependency chains cannot overflow the goroutine stack. ids and each
// adjacency list must be sorted for deterministic output.
func stronglyConnected(ids []string, adj map[string][]string) [][]string {
	index := 0
	nodeIndex := make(map[string]int, len(ids))
	lowLink := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	stack := make([]string, 0)
	var sccs [][]string

	type frame struct {
		id      string
		next    int // next outgoing edge to examine
		childID string
		phase   int // 0 enter, 1 edges, 2 after child, 3 finish
	}

	for _, start := range ids {
		if _, seen := nodeIndex[start]; seen {
			continue
		}

		calls := []frame{{id: start}}
		for len(calls) > 0 {
			f := &calls[len(calls)-1]

			switch f.phase {
			case 0:
				nodeIndex[f.id] = index
				lowLink[f.id] = index
				index++
				stack = append(stack, f.id)
				onStack[f.id] = true
				f.phase = 1

			case 1:
				pushed := false
				out := adj[f.id]
				for f.next < len(out) {
					to := out[f.next]
					f.next++
					if _, seen := nodeIndex[to]; !seen {
						f.phase = 2
						f.childID = to
						calls = append(calls, frame{id: to})
						pushed = true
						break
					}
					if onStack[to] && nodeIndex[to] < lowLink[f.id] {
						lowLink[f.id] = nodeIndex[to]
					}
				}
				if !pushed {
					f.phase = 3
				}

			case 2:
				if lowLink[f.childID] < lowLink[f.id] {
					lowLink[f.id] = lowLink[f.childID]
				}
				f.phase = 1

			case 3:
				if lowLink[f.id] == nodeIndex[f.id] {
					var scc []string
					for {
						w := stack[len(stack)-1]
						stack = stack[:len(stack)-1]
						onStack[w] = false
						scc = append(scc, w)
						if w == f.id {
							break
						}
					}
					sccs = append(sccs, scc)
				}
				calls = calls[:len(calls)-1]
			}
		}
	}

	return sccs
}
