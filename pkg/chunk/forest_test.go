package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mk(id, parent string, typ Type) *CodeChunk {
	return &CodeChunk{NodeID: id, ParentID: parent, ChunkType: typ, Name: id}
}

func TestBuildForest_Hierarchy(t *testing.T) {
	chunks := []*CodeChunk{
		mk("m2", "cls", TypeMethod),
		mk("file", "", TypeFile),
		mk("cls", "file", TypeClass),
		mk("m1", "cls", TypeMethod),
	}

	f := BuildForest(chunks)

	assert.Equal(t, []string{"file"}, f.Roots)
	assert.Equal(t, []string{"cls"}, f.Nodes["file"].Children)
	assert.Equal(t, []string{"m1", "m2"}, f.Nodes["cls"].Children)
	assert.Equal(t, 0, f.Nodes["file"].Depth)
	assert.Equal(t, 1, f.Nodes["cls"].Depth)
	assert.Equal(t, 2, f.Nodes["m1"].Depth)
	assert.Zero(t, f.Orphans)

	p, ok := f.Parent("m1")
	require.True(t, ok)
	assert.Equal(t, "cls", p)
}

func TestBuildForest_MissingParentBecomesOrphan(t *testing.T) {
	f := BuildForest([]*CodeChunk{
		mk("a", "ghost", TypeMethod),
		mk("b", "", TypeFile),
	})

	assert.Equal(t, []string{"a", "b"}, f.Roots)
	assert.True(t, f.Nodes["a"].Orphan)
	assert.False(t, f.Nodes["b"].Orphan)
	assert.Equal(t, 1, f.Orphans)
	assert.Zero(t, f.BrokenCycles)
	assert.Len(t, f.Nodes, 2, "orphans must not be dropped")
}

func TestBuildForest_BreaksParentCycle(t *testing.T) {
	tests := []struct {
		name       string
		chunks     []*CodeChunk
		wantVictim string
		wantRoots  []string
	}{
		{
			name:       "self parent",
			chunks:     []*CodeChunk{mk("x", "x", TypeClass)},
			wantVictim: "x",
			wantRoots:  []string{"x"},
		},
		{
			name: "three node loop",
			chunks: []*CodeChunk{
				mk("c", "b", TypeMethod),
				mk("b", "a", TypeClass),
				mk("a", "c", TypeFile),
			},
			wantVictim: "a",
			wantRoots:  []string{"a"},
		},
		{
			name: "loop with tail",
			chunks: []*CodeChunk{
				mk("tail", "q", TypeMethod),
				mk("q", "p", TypeClass),
				mk("p", "q", TypeClass),
			},
			wantVictim: "p",
			wantRoots:  []string{"p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := BuildForest(tt.chunks)

			assert.Equal(t, tt.wantRoots, f.Roots)
			assert.True(t, f.Nodes[tt.wantVictim].Orphan)
			assert.Equal(t, 1, f.BrokenCycles)

			visited := 0
			f.Walk(func(c *CodeChunk) bool {
				visited++
				return true
			})
			assert.Equal(t, len(tt.chunks), visited, "every node reachable exactly once from the roots")
		})
	}
}

func TestBuildForest_Rebuild(t *testing.T) {
	chunks := []*CodeChunk{mk("file", "", TypeFile), mk("fn", "file", TypeFunction)}

	first := BuildForest(chunks)
	require.Equal(t, []string{"fn"}, first.Nodes["file"].Children)

	second := BuildForest(chunks)
	assert.Equal(t, []string{"fn"}, second.Nodes["file"].Children, "annotations reset between builds")
}
