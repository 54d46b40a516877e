package chunk

import (
	"log/slog"
	"sort"
)

// Forest is the containment hierarchy (file -> class -> method) over a
// chunk set. Nodes live in an arena keyed by node_id and refer to each
// other only by id, so malformed parent data cannot form a reference cycle.
type Forest struct {
	Nodes map[string]*CodeChunk
	Roots []string

	// parents holds the effective parent after orphaning and cycle breaking
	parents map[string]string

	Orphans      int
	BrokenCycles int
}

// Parent returns the effective containment parent of id, if any
func (f *Forest) Parent(id string) (string, bool) {
	p, ok := f.parents[id]
	return p, ok
}

// IDs returns all node ids in ascending order
func (f *Forest) IDs() []string {
	ids := make([]string, 0, len(f.Nodes))
	for id := range f.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chunks returns the chunks in ascending node_id order
func (f *Forest) Chunks() []*CodeChunk {
	ids := f.IDs()
	out := make([]*CodeChunk, len(ids))
	for i, id := range ids {
		out[i] = f.Nodes[id]
	}
	return out
}

// Walk visits every node depth-first from the roots, children in id order.
// Returning false from fn stops descent below that node.
func (f *Forest) Walk(fn func(c *CodeChunk) bool) {
	stack := make([]string, 0, len(f.Roots))
	for i := len(f.Roots) - 1; i >= 0; i-- {
		stack = append(stack, f.Roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := f.Nodes[id]
		if !fn(c) {
			continue
		}
		for i := len(c.Children) - 1; i >= 0; i-- {
			stack = append(stack, c.Children[i])
		}
	}
}

// BuildForest attaches every chunk to the chunk named by its parent_id.
// Chunks whose parent is missing become top-level orphans. When a parent
// chain loops back on itself, the member with the smallest id is demoted to
// an orphan, which breaks the loop. Chunks are annotated in place with
// their sorted child-id list, depth and orphan flag.
func BuildForest(chunks []*CodeChunk) *Forest {
	f := &Forest{
		Nodes:   make(map[string]*CodeChunk, len(chunks)),
		parents: make(map[string]string, len(chunks)),
	}

	for _, c := range chunks {
		c.Children = nil
		c.Depth = 0
		c.Orphan = false
		f.Nodes[c.NodeID] = c
	}

	ids := f.IDs()
	for _, id := range ids {
		c := f.Nodes[id]
		if c.ParentID == "" {
			continue
		}
		if _, ok := f.Nodes[c.ParentID]; !ok {
			c.Orphan = true
			f.Orphans++
			slog.Debug("Chunk parent not found, attaching as orphan", "node_id", id, "parent_id", c.ParentID)
			continue
		}
		f.parents[id] = c.ParentID
	}

	f.breakCycles(ids)

	for _, id := range ids {
		if p, ok := f.parents[id]; ok {
			parent := f.Nodes[p]
			parent.Children = append(parent.Children, id)
		} else {
			f.Roots = append(f.Roots, id)
		}
	}
	for _, c := range f.Nodes {
		sort.Strings(c.Children)
	}

	f.assignDepth()
	return f
}

// breakCycles walks each parent chain with a visited set. States:
// 0 unvisited, 1 on the current chain, 2 known to reach a root.
func (f *Forest) breakCycles(ids []string) {
	state := make(map[string]int, len(ids))

	for _, start := range ids {
		if state[start] != 0 {
			continue
		}

		var chain []string
		cur := start
		for {
			if state[cur] == 2 {
				break
			}
			if state[cur] == 1 {
				// cur is its own ancestor: the loop is chain[pos:]
				pos := 0
				for i, id := range chain {
					if id == cur {
						pos = i
						break
					}
				}
				f.demote(chain[pos:])
				break
			}
			state[cur] = 1
			chain = append(chain, cur)

			p, ok := f.parents[cur]
			if !ok {
				break
			}
			cur = p
		}

		for _, id := range chain {
			state[id] = 2
		}
	}
}

func (f *Forest) demote(loop []string) {
	victim := loop[0]
	for _, id := range loop[1:] {
		if id < victim {
			victim = id
		}
	}
	delete(f.parents, victim)
	f.Nodes[victim].Orphan = true
	f.Orphans++
	f.BrokenCycles++
	slog.Warn("Broke containment cycle", "node_id", victim, "cycle_size", len(loop))
}

func (f *Forest) assignDepth() {
	queue := append([]string(nil), f.Roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		c := f.Nodes[id]
		for _, child := range c.Children {
			f.Nodes[child].Depth = c.Depth + 1
			queue = append(queue, child)
		}
	}
}
