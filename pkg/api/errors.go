package api

import (
	"errors"
	"fmt"
	"strings"
)

// ParseError wraps a malformed flow definition. It is fatal: no run is
// created.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse flow: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownDependencyError reports a dependency reference that does not
// resolve to a step in the same flow.
type UnknownDependencyError struct {
	StepID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.DependsOn)
}

// CycleError reports that the dependency relation is not acyclic. Nodes
// holds the residual node set left by the topological sort; every named
// node is on a cycle or downstream of one.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return "dependency cycle involving steps: " + strings.Join(e.Nodes, ", ")
}

var (
	// ErrRetryExhausted marks a step that failed on its final allowed
	// attempt.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrStepTimeout marks a step invocation that exceeded its deadline.
	// It is treated exactly like a handler-reported failure.
	ErrStepTimeout = errors.New("step invocation timed out")

	// ErrUnknownKind is returned by a registry when no handler is bound
	// to the requested kind.
	ErrUnknownKind = errors.New("no handler registered for kind")

	// ErrInvalidTransition indicates an attempt to move a step or run to
	// a state the transition table does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)
