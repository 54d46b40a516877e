package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wouteroostervld/chaingraph/pkg/chunk"
)

const (
	classAContent = "class A extends B implements I {\n  void m() { B b = new B(); helper(); }\n}"
	methodContent = "void m() { B b = new B(); helper(); }"
	classBContent = "class B {}"
	ifaceContent  = "interface I {}"
	helperContent = "def helper():\n    return 1\n"
)

func sampleChunks() []*chunk.CodeChunk {
	return []*chunk.CodeChunk{
		{
			NodeID: "F", ChunkType: chunk.TypeFile, FilePath: "app/A.java", Name: "A.java", QualifiedName: "app.A_java",
			Content: "import app.helpers\n" + classAContent + "\n" + classBContent + "\n" + ifaceContent,
		},
		{NodeID: "A", ChunkType: chunk.TypeClass, FilePath: "app/A.java", Name: "A", QualifiedName: "app.A", ParentID: "F", Content: classAContent},
		{NodeID: "m", ChunkType: chunk.TypeMethod, FilePath: "app/A.java", Name: "m", QualifiedName: "app.A.m", ParentID: "A", Content: methodContent},
		{NodeID: "B", ChunkType: chunk.TypeClass, FilePath: "app/A.java", Name: "B", QualifiedName: "app.B", ParentID: "F", Content: classBContent},
		{NodeID: "I", ChunkType: chunk.TypeInterface, FilePath: "app/A.java", Name: "I", QualifiedName: "app.I", ParentID: "F", Content: ifaceContent},
		{
			NodeID: "H", ChunkType: chunk.TypeFile, FilePath: "app/helpers.py", Name: "helpers.py", QualifiedName: "app.helpers",
			Content: "import os\n" + helperContent,
		},
		{NodeID: "helper", ChunkType: chunk.TypeFunction, FilePath: "app/helpers.py", Name: "helper", QualifiedName: "app.helpers.helper", ParentID: "H", Content: helperContent},
	}
}

type edgeKey struct {
	src, dst string
	typ      EdgeType
}

func edgeSet(edges []Edge) map[edgeKey]Edge {
	out := make(map[edgeKey]Edge, len(edges))
	for _, e := range edges {
		out[edgeKey{e.SourceID, e.TargetID, e.Type}] = e
	}
	return out
}

func TestAnalyze_SyntacticExtraction(t *testing.T) {
	res := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(sampleChunks()))

	got := edgeSet(res.Graph.Edges)
	want := []edgeKey{
		{"A", "B", EdgeExtends},
		{"A", "I", EdgeImplements},
		{"A", "m", EdgeContains},
		{"F", "A", EdgeContains},
		{"F", "B", EdgeContains},
		{"F", "H", EdgeImports},
		{"F", "I", EdgeContains},
		{"H", "helper", EdgeContains},
		{"m", "B", EdgeCalls},
		{"m", "helper", EdgeCalls},
	}
	for _, k := range want {
		assert.Contains(t, got, k)
	}
	assert.Len(t, res.Graph.Edges, len(want))

	// the declaration and the constructor call are two occurrences
	assert.Equal(t, 2.0, got[edgeKey{"m", "B", EdgeCalls}].Strength)
	assert.True(t, got[edgeKey{"A", "B", EdgeExtends}].IsRequired)
	assert.False(t, got[edgeKey{"m", "helper", EdgeCalls}].IsRequired)
	assert.True(t, got[edgeKey{"m", "helper", EdgeCalls}].IsDirect)

	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, Unresolved{SourceID: "H", Reference: "os", Type: EdgeImports}, res.Unresolved[0])

	for i := 1; i < len(res.Graph.Edges); i++ {
		prev, cur := res.Graph.Edges[i-1], res.Graph.Edges[i]
		assert.True(t, prev.SourceID < cur.SourceID || (prev.SourceID == cur.SourceID && prev.TargetID < cur.TargetID),
			"edges sorted by (source, target)")
	}
}

func TestAnalyze_PrecedenceAndStrengthCap(t *testing.T) {
	chunks := []*chunk.CodeChunk{
		{
			NodeID: "a", ChunkType: chunk.TypeClass, Name: "A", QualifiedName: "pkg.A",
			Metadata: map[string]any{
				"uses":    []any{"pkg.B", "pkg.B"},
				"calls":   []any{"pkg.B"},
				"extends": "pkg.B",
			},
		},
		{NodeID: "b", ChunkType: chunk.TypeClass, Name: "B", QualifiedName: "pkg.B"},
	}

	tests := []struct {
		name         string
		maxStrength  int
		wantStrength float64
	}{
		{"uncapped", 10, 4},
		{"capped", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewAnalyzer(AnalyzerConfig{MaxStrength: tt.maxStrength}).Analyze(chunk.BuildForest(chunks))

			require.Len(t, res.Graph.Edges, 1)
			e := res.Graph.Edges[0]
			assert.Equal(t, EdgeExtends, e.Type)
			assert.Equal(t, tt.wantStrength, e.Strength)
		})
	}
}

func TestAnalyze_OccurrencesCountedOnce(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantType EdgeType
		want     float64
	}{
		{"constructor call", "void f() { new Widget(); }", EdgeCalls, 1},
		{"instantiation without arguments", "f = new Widget", EdgeUses, 1},
		{"declaration and constructor", "void f() { Widget w = new Widget(); }", EdgeCalls, 2},
		{"qualified call", "void f() { ui.Widget(); }", EdgeCalls, 1},
		{"plain uses", "Widget a; Widget b;", EdgeUses, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := []*chunk.CodeChunk{
				{NodeID: "f", ChunkType: chunk.TypeFunction, Name: "f", Content: tt.content},
				{NodeID: "w", ChunkType: chunk.TypeClass, Name: "Widget", QualifiedName: "ui.Widget", Content: "class Widget {}"},
			}
			res := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(chunks))

			require.Len(t, res.Graph.Edges, 1)
			e := res.Graph.Edges[0]
			assert.Equal(t, "f", e.SourceID)
			assert.Equal(t, "w", e.TargetID)
			assert.Equal(t, tt.wantType, e.Type)
			assert.Equal(t, tt.want, e.Strength)
		})
	}
}

func TestAnalyze_UnresolvedAndPlaceholders(t *testing.T) {
	chunks := func() []*chunk.CodeChunk {
		return []*chunk.CodeChunk{
			{NodeID: "a", ChunkType: chunk.TypeFunction, Name: "a", Metadata: map[string]any{"imports": []string{"lib.ext", "b"}}},
			{NodeID: "b", ChunkType: chunk.TypeFunction, Name: "b"},
		}
	}

	t.Run("counted without edges", func(t *testing.T) {
		res := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(chunks()))

		require.Len(t, res.Unresolved, 1)
		assert.Equal(t, "lib.ext", res.Unresolved[0].Reference)
		require.Len(t, res.Graph.Edges, 1)
		assert.Equal(t, "b", res.Graph.Edges[0].TargetID)
		assert.Len(t, res.Graph.Nodes, 2)
	})

	t.Run("external placeholders", func(t *testing.T) {
		res := NewAnalyzer(AnalyzerConfig{ExternalPlaceholders: true}).Analyze(chunk.BuildForest(chunks()))

		require.Len(t, res.Unresolved, 1)
		require.Contains(t, res.Graph.Nodes, "external:lib.ext")

		got := edgeSet(res.Graph.Edges)
		ext := got[edgeKey{"a", "external:lib.ext", EdgeImports}]
		assert.True(t, ext.Unresolved)
		assert.False(t, ext.IsDirect)
	})
}

func TestAnalyze_ReferentialIntegrity(t *testing.T) {
	for _, placeholders := range []bool{false, true} {
		chunks := sampleChunks()
		chunks[1].Metadata = map[string]any{"references": []string{"nowhere.Missing"}}
		res := NewAnalyzer(AnalyzerConfig{ExternalPlaceholders: placeholders}).Analyze(chunk.BuildForest(chunks))

		for _, e := range res.Graph.Edges {
			_, srcOK := res.Graph.Nodes[e.SourceID]
			_, dstOK := res.Graph.Nodes[e.TargetID]
			assert.True(t, srcOK, "source %s", e.SourceID)
			assert.True(t, dstOK || e.Unresolved, "target %s", e.TargetID)
		}
	}
}

func TestAnalyze_UnparseableContentSkipped(t *testing.T) {
	chunks := []*chunk.CodeChunk{
		{NodeID: "bin", ChunkType: chunk.TypeFile, Name: "blob", Content: "\xff\xfe\x00 helper()"},
		{NodeID: "helper", ChunkType: chunk.TypeFunction, Name: "helper", Content: "def helper(): pass"},
	}

	res := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(chunks))

	assert.Equal(t, []string{"bin"}, res.Unparseable)
	assert.Contains(t, res.Graph.Nodes, "bin")
	assert.Empty(t, res.Graph.Edges)
}

func TestAnalyze_AmbiguousNamePrefersSameFile(t *testing.T) {
	chunks := []*chunk.CodeChunk{
		{NodeID: "n1", ChunkType: chunk.TypeClass, FilePath: "one.py", Name: "Node", QualifiedName: "one.Node"},
		{NodeID: "n2", ChunkType: chunk.TypeClass, FilePath: "two.py", Name: "Node", QualifiedName: "two.Node"},
		{NodeID: "user", ChunkType: chunk.TypeFunction, FilePath: "two.py", Name: "build", QualifiedName: "two.build", Content: "def build():\n    return Node()\n"},
		{NodeID: "far", ChunkType: chunk.TypeFunction, FilePath: "three.py", Name: "other", QualifiedName: "three.other", Content: "def other():\n    return Node()\n"},
	}

	res := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(chunks))

	got := edgeSet(res.Graph.Edges)
	assert.Contains(t, got, edgeKey{"user", "n2", EdgeCalls})
	for k := range got {
		assert.NotEqual(t, "far", k.src, "ambiguous reference outside either file stays unresolved")
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	first := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(sampleChunks()))
	second := NewAnalyzer(DefaultAnalyzerConfig()).Analyze(chunk.BuildForest(sampleChunks()))

	assert.Equal(t, first.Graph.Edges, second.Graph.Edges)
	assert.Equal(t, first.Unresolved, second.Unresolved)
	assert.Equal(t, ComputeMetadata(first.Graph).Nodes, ComputeMetadata(second.Graph).Nodes)
}

func TestSplitTypeList(t *testing.T) {
	assert.Equal(t, []string{"Map", "Serializable", "pkg.Base"}, splitTypeList("Map<K, V>, Serializable, pkg.Base"))
	assert.Equal(t, []string{"Base", "metaclass=ABCMeta"}, splitTypeList("Base, metaclass=ABCMeta"))
	assert.Empty(t, splitTypeList("  "))
}

func TestEdgeTypeText(t *testing.T) {
	for typ, name := range edgeTypeNames {
		text, err := typ.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))

		var parsed EdgeType
		require.NoError(t, parsed.UnmarshalText([]byte(name)))
		assert.Equal(t, typ, parsed)
	}

	assert.Greater(t, EdgeExtends.Precedence(), EdgeImplements.Precedence())
	assert.Greater(t, EdgeImplements.Precedence(), EdgeCalls.Precedence())
	assert.Greater(t, EdgeCalls.Precedence(), EdgeUses.Precedence())
	assert.Greater(t, EdgeUses.Precedence(), EdgeImports.Precedence())
	assert.Greater(t, EdgeImports.Precedence(), EdgeReferences.Precedence())
	assert.Greater(t, EdgeReferences.Precedence(), EdgeContains.Precedence())
}
