package engine

import (
	"fmt"
	"io"

	dgraph "github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

// executionGraph converts the graph into a dominikbraun/graph value whose
// edges point from a requirement to its dependent, i.e. in execution order.
func (g *Graph) executionGraph() (dgraph.Graph[string, string], error) {
	eg := dgraph.New(dgraph.StringHash, dgraph.Directed(), dgraph.PreventCycles())

	for _, name := range g.Nodes() {
		if err := eg.AddVertex(name, dgraph.VertexAttribute("shape", "box")); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", name, err)
		}
	}

	for _, name := range g.Nodes() {
		for _, dep := range g.DependenciesOf(name) {
			if err := eg.AddEdge(dep, name); err != nil {
				return nil, fmt.Errorf("failed to add edge %s -> %s: %w", dep, name, err)
			}
		}
	}

	return eg, nil
}

// TopologicalOrder returns every node after all of its requirements.
// Ties are broken alphabetically so the order is stable across runs.
func (g *Graph) TopologicalOrder() ([]string, error) {
	eg, err := g.executionGraph()
	if err != nil {
		return nil, err
	}

	order, err := dgraph.StableTopologicalSort(eg, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, NewPermanentError("failed to sort graph", err).WithCode(ErrCodeInternal)
	}
	return order, nil
}

// WriteDOT renders the graph in Graphviz DOT format. Edges point in
// execution order.
func (g *Graph) WriteDOT(w io.Writer, label string) error {
	eg, err := g.executionGraph()
	if err != nil {
		return err
	}

	if label != "" {
		return draw.DOT(eg, w, draw.GraphAttribute("label", label), draw.GraphAttribute("rankdir", "LR"))
	}
	return draw.DOT(eg, w, draw.GraphAttribute("rankdir", "LR"))
}
