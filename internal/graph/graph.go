// Package graph implements the DAG runtime: graph validation and topological
// layering, per-node dispatch across the closed node-type set, retries with
// exponential backoff, inactivity and hard timeouts, cancellation, confirm
// parking, and durable run persistence.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/model"
)

// Loads parses a resolved graph from its JSON text, validates it against the
// embedded schema, and rejects cycles and dangling edges.
func Loads(text []byte) (model.ResolvedGraph, error) {
	if err := validateSchema(text); err != nil {
		return model.ResolvedGraph{}, err
	}
	var g model.ResolvedGraph
	dec := json.NewDecoder(bytes.NewReader(text))
	if err := dec.Decode(&g); err != nil {
		return model.ResolvedGraph{}, amonerr.Wrap(amonerr.ProtocolError, "GRAPH_PARSE", "graph parse", err)
	}
	if err := Validate(g); err != nil {
		return model.ResolvedGraph{}, err
	}
	return g, nil
}

// Dumps serializes a resolved graph to canonical JSON. encoding/json writes
// struct fields in declaration order and map keys sorted, so Dumps∘Loads is
// idempotent byte-for-byte.
func Dumps(g model.ResolvedGraph) ([]byte, error) {
	// nil slices would marshal as null, which the schema rejects on Loads.
	if g.Nodes == nil {
		g.Nodes = []model.Node{}
	}
	if g.Edges == nil {
		g.Edges = []model.Edge{}
	}
	b, err := json.Marshal(g)
	if err != nil {
		return nil, amonerr.Wrap(amonerr.ProtocolError, "GRAPH_DUMP", "graph dump", err)
	}
	return b, nil
}

// Validate checks structural invariants: unique node ids, edges referencing
// known nodes, exactly one type-specific spec per node, and acyclicity.
func Validate(g model.ResolvedGraph) error {
	byID := make(map[string]*model.Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "node missing id")
		}
		if _, dup := byID[n.ID]; dup {
			return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "duplicate node id: "+n.ID)
		}
		if err := validateNodeSpec(n); err != nil {
			return err
		}
		byID[n.ID] = n
	}
	for _, e := range g.Edges {
		if _, ok := byID[e.From]; !ok {
			return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "edge from unknown node: "+e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "edge to unknown node: "+e.To)
		}
	}
	if _, err := Layers(g); err != nil {
		return err
	}
	return nil
}

func validateNodeSpec(n *model.Node) error {
	specs := 0
	if n.AgentTask != nil {
		specs++
	}
	if n.WriteFile != nil {
		specs++
	}
	if n.ToolCall != nil {
		specs++
	}
	if n.Condition != nil {
		specs++
	}
	if n.Map != nil {
		specs++
	}
	if n.SandboxRun != nil {
		specs++
	}
	if n.Confirm != nil {
		specs++
	}
	if specs != 1 {
		return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID",
			fmt.Sprintf("node %s: expected exactly one type spec, got %d", n.ID, specs))
	}
	switch n.Type {
	case model.NodeAgentTask:
		if n.AgentTask == nil {
			return specMismatch(n)
		}
	case model.NodeWriteFile:
		if n.WriteFile == nil {
			return specMismatch(n)
		}
	case model.NodeToolCall:
		if n.ToolCall == nil {
			return specMismatch(n)
		}
	case model.NodeCondition:
		if n.Condition == nil {
			return specMismatch(n)
		}
	case model.NodeMap:
		if n.Map == nil || n.Map.Template == nil {
			return specMismatch(n)
		}
	case model.NodeSandboxRun:
		if n.SandboxRun == nil {
			return specMismatch(n)
		}
	case model.NodeConfirm:
		if n.Confirm == nil {
			return specMismatch(n)
		}
	default:
		return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID", "node "+n.ID+": unknown type "+string(n.Type))
	}
	return nil
}

func specMismatch(n *model.Node) error {
	return amonerr.New(amonerr.ProtocolError, "GRAPH_INVALID",
		"node "+n.ID+": type "+string(n.Type)+" missing its spec")
}

// Layers computes the topological layering of g. Nodes within one layer have
// no edges between them and are eligible for concurrent execution; order
// within a layer follows declaration order, the deterministic-replay
// tie-break. A cycle is a GRAPH_INVALID error.
func Layers(g model.ResolvedGraph) ([][]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
		order = append(order, n.ID)
	}
	out := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
		indeg[e.To]++
	}

	var layers [][]string
	remaining := len(g.Nodes)
	for remaining > 0 {
		var layer []string
		for _, id := range order {
			if deg, ok := indeg[id]; ok && deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, amonerr.New(amonerr.ProtocolError, "GRAPH_CYCLE", "graph contains a cycle")
		}
		for _, id := range layer {
			delete(indeg, id)
			remaining--
			for _, to := range out[id] {
				if _, ok := indeg[to]; ok {
					indeg[to]--
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
