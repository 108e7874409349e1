// Package graph validates strategy graphs and executes them block by block.
package graph

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/strategy/block"
)

// NodeSpec declares one block instance
type NodeSpec struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Params block.Params `json:"params,omitempty"`
	Inputs []string     `json:"inputs,omitempty"`
}

// Graph is a strategy specification: nodes in declaration order plus the
// output nodes whose success decides the run.
type Graph struct {
	Nodes      []NodeSpec `json:"nodes"`
	Outputs    []string   `json:"outputs"`
	ParentHash string     `json:"parent_hash,omitempty"`
}

// Parse decodes a JSON graph specification
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidGraph, "graph is not valid JSON", err)
	}
	return &g, nil
}

// Node returns the spec with the given id
func (g *Graph) Node(id string) (NodeSpec, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

func invalid(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrCodeInvalidGraph, format, args...)
}

// Validate checks the structure and returns the execution order.
//
// Checks run in a fixed order: node ids and types, dangling inputs, outputs,
// cycles (Kahn), then forward references. Kahn's sort is stable: among ready
// nodes the one declared first runs first.
func (g *Graph) Validate() ([]string, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, invalid("graph has no nodes")
	}

	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return nil, invalid("node %d has an empty id", i)
		}
		if n.Type == "" {
			return nil, invalid("node %q has no type", n.ID)
		}
		if _, dup := index[n.ID]; dup {
			return nil, invalid("duplicate node id %q", n.ID)
		}
		index[n.ID] = i
	}
	for _, n := range g.Nodes {
		seen := make(map[string]bool, len(n.Inputs))
		for _, in := range n.Inputs {
			if _, ok := index[in]; !ok {
				return nil, invalid("node %q references unknown input %q", n.ID, in)
			}
			// each upstream context is merged exactly once
			if seen[in] {
				return nil, invalid("node %q lists input %q more than once", n.ID, in)
			}
			seen[in] = true
		}
	}
	if len(g.Outputs) == 0 {
		return nil, invalid("graph declares no outputs")
	}
	seenOut := make(map[string]bool, len(g.Outputs))
	for _, out := range g.Outputs {
		if _, ok := index[out]; !ok {
			return nil, invalid("output %q is not a node", out)
		}
		if seenOut[out] {
			return nil, invalid("output %q is declared more than once", out)
		}
		seenOut[out] = true
	}

	order, err := g.topoSort(index)
	if err != nil {
		return nil, err
	}

	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			if index[in] >= i {
				return nil, invalid("node %q references %q before it is defined", n.ID, in)
			}
		}
	}
	return order, nil
}

func (g *Graph) topoSort(index map[string]int) ([]string, error) {
	indegree := make([]int, len(g.Nodes))
	consumers := make([][]int, len(g.Nodes))
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			indegree[i]++
			consumers[index[in]] = append(consumers[index[in]], i)
		}
	}

	done := make([]bool, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))
	for len(order) < len(g.Nodes) {
		next := -1
		for i := range g.Nodes {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, n := range g.Nodes {
				if !done[i] {
					stuck = append(stuck, n.ID)
				}
			}
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCycleDetected,
				"graph contains a cycle", "unresolved nodes: "+strings.Join(stuck, ", "), nil)
		}
		done[next] = true
		order = append(order, g.Nodes[next].ID)
		for _, c := range consumers[next] {
			indegree[c]--
		}
	}
	return order, nil
}

// canonical is the hashed form: nodes and outputs only, parent excluded
type canonical struct {
	Nodes   []NodeSpec `json:"nodes"`
	Outputs []string   `json:"outputs"`
}

// Hash is the hex BLAKE2b-256 digest of the canonical JSON form. Map keys are
// sorted by encoding/json, so equal graphs hash equally regardless of how the
// params were written.
func (g *Graph) Hash() (string, error) {
	data, err := json.Marshal(canonical{Nodes: g.Nodes, Outputs: g.Outputs})
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex BLAKE2b-256 digest of data
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON hashes the JSON encoding of v
func HashJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for hashing: %w", err)
	}
	return HashBytes(data), nil
}
