// Package graph converts a flow definition into a validated DAG.
//
// Steps are kept in an arena indexed by position; dependency edges are
// index lists. The deterministic topological order produced here is a
// traversal hint only: actual execution order is governed by dependency
// readiness, so parallel branches may interleave freely.
package graph

import (
	"github.com/gantryflow/gantry/pkg/api"
)

// Graph is the validated DAG for one flow.
type Graph struct {
	Flow *api.Flow

	// Dependencies[i] lists the node indexes step i depends on.
	// Dependents[i] lists the node indexes that depend on step i.
	Dependencies [][]int
	Dependents   [][]int

	// Topo is a deterministic topological ordering of node indexes.
	Topo []int

	index map[string]int
}

// Build validates the flow's dependency structure and returns its DAG.
// Every referenced identifier must resolve to a step in the same flow
// (else *api.UnknownDependencyError), and the relation must be acyclic
// (else *api.CycleError naming the residual node set).
func Build(flow *api.Flow) (*Graph, error) {
	n := len(flow.Steps)
	g := &Graph{
		Flow:         flow,
		Dependencies: make([][]int, n),
		Dependents:   make([][]int, n),
		index:        make(map[string]int, n),
	}

	for i := range flow.Steps {
		g.index[flow.Steps[i].ID] = i
	}

	for i := range flow.Steps {
		step := &flow.Steps[i]
		for _, dep := range step.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &api.UnknownDependencyError{StepID: step.ID, DependsOn: dep}
			}
			g.Dependencies[i] = append(g.Dependencies[i], j)
			g.Dependents[j] = append(g.Dependents[j], i)
		}
	}

	topo, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.Topo = topo

	return g, nil
}

// sort runs Kahn's algorithm, consuming in-degree-zero nodes in
// declaration order for determinism. Nodes never consumed form the
// residual set: each is on a cycle or downstream of one.
func (g *Graph) sort() ([]int, error) {
	n := len(g.Flow.Steps)
	indeg := make([]int, n)
	for i := range g.Dependencies {
		indeg[i] = len(g.Dependencies[i])
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, j := range g.Dependents[i] {
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(order) != n {
		var residual []string
		for i := 0; i < n; i++ {
			if indeg[i] > 0 {
				residual = append(residual, g.Flow.Steps[i].ID)
			}
		}
		return nil, &api.CycleError{Nodes: residual}
	}

	return order, nil
}

// Index returns the node index for a step id. The second result is
// false for unknown ids.
func (g *Graph) Index(stepID string) (int, bool) {
	i, ok := g.index[stepID]
	return i, ok
}

// Step returns the step at node index i.
func (g *Graph) Step(i int) *api.Step {
	return &g.Flow.Steps[i]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.Flow.Steps)
}

// TransitiveDependents returns the set of node indexes reachable from i
// along dependency edges, excluding i itself. The engine uses it to
// skip everything downstream of a terminally failed step.
func (g *Graph) TransitiveDependents(i int) []int {
	seen := make(map[int]struct{})
	var out []int
	stack := append([]int(nil), g.Dependents[i]...)
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[j]; ok {
			continue
		}
		seen[j] = struct{}{}
		out = append(out, j)
		stack = append(stack, g.Dependents[j]...)
	}
	return out
}
