package graph

// Adjacency is the undirected projection of the dependency edges
type Adjacency map[string][]string

// UndirectedAdjacency builds the undirected projection of the
// non-containment edges.
func UndirectedAdjacency(edges []Edge) Adjacency {
	sets := make(map[string]map[string]struct{})
	link := func(a, b string) {
		if sets[a] == nil {
			sets[a] = make(map[string]struct{})
		}
		sets[a][b] = struct{}{}
	}
	for _, e := range edges {
		if !e.Type.IsDependency() || e.SourceID == e.TargetID {
			continue
		}
		link(e.SourceID, e.TargetID)
		link(e.TargetID, e.SourceID)
	}

	adj := make(Adjacency, len(sets))
	for id, set := range sets {
		adj[id] = sortedKeys(set)
	}
	return adj
}

// Distances returns the BFS hop count from anchor to every reachable node.
// Unreachable nodes are absent from the map. maxDepth <= 0 means unbounded.
func (adj Adjacency) Distances(anchor string, maxDepth int) map[string]int {
	dist := map[string]int{anchor: 0}
	queue := []string{anchor}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := dist[cur]
		if maxDepth > 0 && d >= maxDepth {
			continue
		}
		for _, next := range adj[cur] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = d + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// ProximityScore converts a hop distance into the structural score term
// 1/(1+d). Unreachable nodes score 0.
func ProximityScore(dist map[string]int, id string) float64 {
	d, ok := dist[id]
	if !ok {
		return 0
	}
	return 1 / (1 + float64(d))
}
