package graph

import (
	"errors"
	"testing"

	"github.com/gantryflow/gantry/pkg/api"
)

func flowOf(steps ...api.Step) *api.Flow {
	return &api.Flow{ID: "test", Steps: steps}
}

func TestBuild_LinearChain(t *testing.T) {
	g, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop"},
		api.Step{ID: "b", Kind: "noop", DependsOn: []string{"a"}},
		api.Step{ID: "c", Kind: "noop", DependsOn: []string{"b"}},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []int{0, 1, 2}
	if len(g.Topo) != len(want) {
		t.Fatalf("topo length = %d, want %d", len(g.Topo), len(want))
	}
	for i, idx := range want {
		if g.Topo[i] != idx {
			t.Fatalf("topo[%d] = %d, want %d", i, g.Topo[i], idx)
		}
	}
}

func TestBuild_DiamondDependents(t *testing.T) {
	g, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop"},
		api.Step{ID: "b", Kind: "noop", DependsOn: []string{"a"}},
		api.Step{ID: "c", Kind: "noop", DependsOn: []string{"a"}},
		api.Step{ID: "d", Kind: "noop", DependsOn: []string{"b", "c"}},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(g.Dependents[0]) != 2 {
		t.Fatalf("dependents of a = %v, want 2 entries", g.Dependents[0])
	}
	if len(g.Dependencies[3]) != 2 {
		t.Fatalf("dependencies of d = %v, want 2 entries", g.Dependencies[3])
	}

	// d must come last in any valid topological order.
	if g.Topo[len(g.Topo)-1] != 3 {
		t.Fatalf("topo = %v, want d (index 3) last", g.Topo)
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop", DependsOn: []string{"ghost"}},
	))

	var unknown *api.UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownDependencyError", err)
	}
	if unknown.StepID != "a" || unknown.DependsOn != "ghost" {
		t.Fatalf("unexpected error detail: %+v", unknown)
	}
}

func TestBuild_CycleDetected(t *testing.T) {
	_, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop", DependsOn: []string{"c"}},
		api.Step{ID: "b", Kind: "noop", DependsOn: []string{"a"}},
		api.Step{ID: "c", Kind: "noop", DependsOn: []string{"b"}},
	))

	var cycle *api.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if len(cycle.Nodes) == 0 {
		t.Fatal("CycleError names no nodes")
	}
}

func TestBuild_SelfCycle(t *testing.T) {
	_, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop", DependsOn: []string{"a"}},
	))

	var cycle *api.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if len(cycle.Nodes) != 1 || cycle.Nodes[0] != "a" {
		t.Fatalf("residual set = %v, want [a]", cycle.Nodes)
	}
}

func TestBuild_CycleResidualExcludesValidPrefix(t *testing.T) {
	// a is valid; b<->c form the cycle, d hangs off it.
	_, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop"},
		api.Step{ID: "b", Kind: "noop", DependsOn: []string{"c"}},
		api.Step{ID: "c", Kind: "noop", DependsOn: []string{"b"}},
		api.Step{ID: "d", Kind: "noop", DependsOn: []string{"c"}},
	))

	var cycle *api.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	for _, id := range cycle.Nodes {
		if id == "a" {
			t.Fatalf("residual set %v should not contain a", cycle.Nodes)
		}
	}
	if len(cycle.Nodes) != 3 {
		t.Fatalf("residual set = %v, want b, c, d", cycle.Nodes)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := Build(flowOf(
		api.Step{ID: "a", Kind: "noop"},
		api.Step{ID: "b", Kind: "noop", DependsOn: []string{"a"}},
		api.Step{ID: "c", Kind: "noop", DependsOn: []string{"b"}},
		api.Step{ID: "x", Kind: "noop"},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	deps := g.TransitiveDependents(0)
	if len(deps) != 2 {
		t.Fatalf("transitive dependents of a = %v, want b and c", deps)
	}
	for _, idx := range deps {
		if id := g.Step(idx).ID; id != "b" && id != "c" {
			t.Fatalf("unexpected dependent %q", id)
		}
	}

	if got := g.TransitiveDependents(3); len(got) != 0 {
		t.Fatalf("transitive dependents of x = %v, want none", got)
	}
}
