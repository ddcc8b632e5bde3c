package graph_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
)

func writeNode(id string) model.Node {
	return model.Node{
		ID:              id,
		Type:            model.NodeWriteFile,
		ExecutionEngine: model.EngineTool,
		Retry:           model.RetryPolicy{MaxAttempts: 1},
		OutputPath:      "docs/" + id + ".md",
		WriteFile:       &model.WriteFileSpec{Content: id},
	}
}

func TestLayers_DeterministicDeclarationOrder(t *testing.T) {
	g := model.ResolvedGraph{
		Nodes: []model.Node{writeNode("a"), writeNode("b"), writeNode("c"), writeNode("d")},
		Edges: []model.Edge{
			{From: "a", To: "c"},
			{From: "b", To: "c"},
			{From: "c", To: "d"},
		},
	}
	layers, err := graph.Layers(g)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"a", "b"}, layers[0])
	assert.Equal(t, []string{"c"}, layers[1])
	assert.Equal(t, []string{"d"}, layers[2])
}

func TestLayers_RejectsCycle(t *testing.T) {
	g := model.ResolvedGraph{
		Nodes: []model.Node{writeNode("a"), writeNode("b")},
		Edges: []model.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	_, err := graph.Layers(g)
	require.Error(t, err)
}

func TestValidate_RejectsDanglingEdgeAndDuplicateID(t *testing.T) {
	dangling := model.ResolvedGraph{
		Nodes: []model.Node{writeNode("a")},
		Edges: []model.Edge{{From: "a", To: "ghost"}},
	}
	require.Error(t, graph.Validate(dangling))

	dup := model.ResolvedGraph{Nodes: []model.Node{writeNode("a"), writeNode("a")}}
	require.Error(t, graph.Validate(dup))
}

func TestValidate_RequiresMatchingSpec(t *testing.T) {
	n := writeNode("a")
	n.Type = model.NodeToolCall // spec says write_file
	require.Error(t, graph.Validate(model.ResolvedGraph{Nodes: []model.Node{n}}))
}

func TestLoads_RejectsUnknownNodeType(t *testing.T) {
	_, err := graph.Loads([]byte(`{"nodes":[{"id":"x","type":"teleport","execution_engine":"tool"}]}`))
	require.Error(t, err)
}

// Dumps∘Loads must be a fixed point: serializing a loaded graph twice yields
// identical bytes.
func TestDumpsLoadsRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("dumps(loads(dumps(g))) == dumps(g)", prop.ForAll(
		func(n int) bool {
			g := chainGraph(n)
			first, err := graph.Dumps(g)
			if err != nil {
				return false
			}
			loaded, err := graph.Loads(first)
			if err != nil {
				return false
			}
			second, err := graph.Dumps(loaded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.IntRange(1, 12),
	))
	properties.TestingRun(t)
}

func chainGraph(n int) model.ResolvedGraph {
	var g model.ResolvedGraph
	for i := 0; i < n; i++ {
		node := writeNode(fmt.Sprintf("n%d", i))
		node.Writes = map[string]string{fmt.Sprintf("k%d", i): "string"}
		g.Nodes = append(g.Nodes, node)
		if i > 0 {
			g.Edges = append(g.Edges, model.Edge{
				From: fmt.Sprintf("n%d", i-1),
				To:   fmt.Sprintf("n%d", i),
			})
		}
	}
	return g
}
