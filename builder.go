package gantry

import (
	"fmt"
	"time"

	"github.com/gantryflow/gantry/internal/graph"
	"github.com/gantryflow/gantry/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows in code instead
// of YAML:
//
//	flow, err := gantry.New("provision").
//	    Step("vm", "cloud.create_vm").
//	    Step("dns", "dns.register").After("vm").
//	        WithCompensation("dns.unregister").
//	    Step("notify", "email.send").After("dns").
//	        WithRetry(gantry.Retry(3).WithBackoff(time.Second).Policy()).
//	    Build()
//
// The modifier methods (After, WithRetry, WithCompensation, WithInput,
// WithTimeout) apply to the most recently added step and panic when no
// step has been added yet; misuse is a programming error, not a
// runtime condition.
type FlowBuilder struct {
	flow api.Flow
}

// New creates a new flow builder with the given flow id.
func New(id string) *FlowBuilder {
	if id == "" {
		panic("gantry: flow id must not be empty")
	}
	return &FlowBuilder{
		flow: api.Flow{
			ID:    id,
			Steps: make([]api.Step, 0),
		},
	}
}

// ID returns the flow id.
func (b *FlowBuilder) ID() string {
	return b.flow.ID
}

// Describe sets the flow's human-readable description.
func (b *FlowBuilder) Describe(desc string) *FlowBuilder {
	b.flow.Description = desc
	return b
}

// DefaultRetry sets the flow-level retry policy inherited by steps
// without their own.
func (b *FlowBuilder) DefaultRetry(p RetryPolicy) *FlowBuilder {
	r := p
	b.flow.Retry = &r
	return b
}

// Step appends a step bound to the given handler kind.
func (b *FlowBuilder) Step(id, kind string) *FlowBuilder {
	if id == "" {
		panic("gantry: step id must not be empty")
	}
	if kind == "" {
		panic(fmt.Sprintf("gantry: step %q has no handler kind", id))
	}
	b.flow.Steps = append(b.flow.Steps, api.Step{ID: id, Kind: kind})
	return b
}

// After declares the last added step's dependencies.
func (b *FlowBuilder) After(deps ...string) *FlowBuilder {
	s := b.last("After")
	s.DependsOn = append(s.DependsOn, deps...)
	return b
}

// WithRetry overrides the retry policy for the last added step.
func (b *FlowBuilder) WithRetry(p RetryPolicy) *FlowBuilder {
	r := p
	b.last("WithRetry").Retry = &r
	return b
}

// WithCompensation binds a compensation handler kind to the last added
// step. Its handler receives the step's recorded output when the flow
// rolls back.
func (b *FlowBuilder) WithCompensation(kind string) *FlowBuilder {
	b.last("WithCompensation").Compensate = kind
	return b
}

// WithInput sets the input payload for the last added step.
func (b *FlowBuilder) WithInput(input map[string]any) *FlowBuilder {
	b.last("WithInput").Input = input
	return b
}

// WithTimeout bounds each invocation attempt of the last added step.
func (b *FlowBuilder) WithTimeout(d time.Duration) *FlowBuilder {
	b.last("WithTimeout").Timeout = d
	return b
}

func (b *FlowBuilder) last(method string) *api.Step {
	if len(b.flow.Steps) == 0 {
		panic("gantry: " + method + " called before any Step")
	}
	return &b.flow.Steps[len(b.flow.Steps)-1]
}

// Build validates the flow and returns it. Validation covers the same
// invariants enforced on parsed YAML (unique step ids, resolvable
// dependencies, acyclic graph, sane retry policies).
func (b *FlowBuilder) Build() (*Flow, error) {
	if len(b.flow.Steps) == 0 {
		return nil, fmt.Errorf("flow %q has no steps", b.flow.ID)
	}

	seen := make(map[string]struct{}, len(b.flow.Steps))
	for _, s := range b.flow.Steps {
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("flow %q: duplicate step id %q", b.flow.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			return nil, fmt.Errorf("flow %q: step %q: retry max attempts must be >= 1", b.flow.ID, s.ID)
		}
	}
	if b.flow.Retry != nil && b.flow.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("flow %q: retry max attempts must be >= 1", b.flow.ID)
	}

	flow := b.flow
	if _, err := graph.Build(&flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// MustBuild is like Build but panics on error. Useful for flow
// definitions constructed at init time.
func (b *FlowBuilder) MustBuild() *Flow {
	flow, err := b.Build()
	if err != nil {
		panic(err)
	}
	return flow
}
