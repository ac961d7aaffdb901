package engine

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeMap is the serializable form of a Graph: each node name maps to the
// names it directly requires. Order within a slice carries no meaning.
type EdgeMap map[string][]string

// Graph is a directed acyclic dependency structure over stack names.
// A Graph is immutable once built; Transpose returns a new value.
type Graph struct {
	// requires maps a node to the nodes it depends on
	requires map[string]map[string]struct{}

	// requiredBy maps a node to the nodes that depend on it
	requiredBy map[string]map[string]struct{}
}

// BuildGraph constructs a graph from per-node requirements.
// Every requirement must itself be a node. Cycles are rejected.
func BuildGraph(requirements map[string][]string) (*Graph, error) {
	g := &Graph{
		requires:   make(map[string]map[string]struct{}, len(requirements)),
		requiredBy: make(map[string]map[string]struct{}, len(requirements)),
	}

	for name := range requirements {
		if name == "" {
			return nil, NewPermanentError("graph node has empty name", nil).
				WithCode(ErrCodeValidation)
		}
		g.requires[name] = make(map[string]struct{})
		g.requiredBy[name] = make(map[string]struct{})
	}

	for _, name := range sortedSet(requirements) {
		for _, dep := range requirements[name] {
			if _, exists := g.requires[dep]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("stack %s requires unknown stack %s", name, dep),
					nil,
				).WithCode(ErrCodeUnknownDependency).WithResource(name)
			}
			g.requires[name][dep] = struct{}{}
			g.requiredBy[dep][name] = struct{}{}
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// FromEdgeMap rebuilds a graph from its serialized edge map.
func FromEdgeMap(edges EdgeMap) (*Graph, error) {
	return BuildGraph(edges)
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range g.Nodes() {
		if visited[name] {
			continue
		}
		if cycle := g.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycleDetected).WithResource(cycle[0])
		}
	}

	return nil
}

// detectCyclesUtil walks requirements and returns the cycle path on a back-edge.
func (g *Graph) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dep := range sortedSet(g.requires[name]) {
		if !visited[dep] {
			if cycle := g.detectCyclesUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, id := range path {
				if id == dep {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// Transpose returns a new graph with every edge reversed.
// Build order becomes teardown order.
func (g *Graph) Transpose() *Graph {
	return &Graph{
		requires:   copyAdjacency(g.requiredBy),
		requiredBy: copyAdjacency(g.requires),
	}
}

// ToEdgeMap serializes the dependency relation. Slices are sorted.
func (g *Graph) ToEdgeMap() EdgeMap {
	edges := make(EdgeMap, len(g.requires))
	for name, deps := range g.requires {
		edges[name] = sortedSet(deps)
	}
	return edges
}

// Nodes returns all node names in sorted order.
func (g *Graph) Nodes() []string {
	return sortedSet(g.requires)
}

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.requires[name]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.requires)
}

// DependenciesOf returns the nodes name directly requires.
func (g *Graph) DependenciesOf(name string) []string {
	return sortedSet(g.requires[name])
}

// DependentsOf returns the nodes that directly require name.
func (g *Graph) DependentsOf(name string) []string {
	return sortedSet(g.requiredBy[name])
}

// TransitiveDependents returns every node reachable from name through
// dependent edges, excluding name itself.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]struct{})
	queue := g.DependentsOf(name)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		queue = append(queue, g.DependentsOf(next)...)
	}
	return sortedSet(seen)
}

// Levels groups nodes into waves using Kahn's algorithm. Nodes in the same
// level have no path between them and may run in parallel.
func (g *Graph) Levels() [][]string {
	inDegree := make(map[string]int, len(g.requires))
	for name, deps := range g.requires {
		inDegree[name] = len(deps)
	}

	current := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	levels := make([][]string, 0)
	for len(current) > 0 {
		levels = append(levels, current)

		next := make([]string, 0)
		for _, name := range current {
			for dependent := range g.requiredBy[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	return levels
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func copyAdjacency(src map[string]map[string]struct{}) map[string]map[string]struct{} {
	dst := make(map[string]map[string]struct{}, len(src))
	for name, set := range src {
		cp := make(map[string]struct{}, len(set))
		for k := range set {
			cp[k] = struct{}{}
		}
		dst[name] = cp
	}
	return dst
}

func sortedSet[V any](set map[string]V) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
