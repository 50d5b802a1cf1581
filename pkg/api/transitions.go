package api

import "fmt"

// stateSet is a closed set of allowed next states.
type stateSet[T comparable] map[T]struct{}

func setOf[T comparable](states ...T) stateSet[T] {
	s := make(stateSet[T], len(states))
	for _, st := range states {
		s[st] = struct{}{}
	}
	return s
}

// Transitions maps each state to its set of valid successors. It is the
// single authority on legal state changes; the engine never mutates a
// status without consulting it.
type Transitions[T comparable] map[T]stateSet[T]

// Can reports whether from -> to is a legal transition.
func (t Transitions[T]) Can(from, to T) bool {
	next, ok := t[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Check returns ErrInvalidTransition (wrapped with both states) when
// from -> to is not allowed.
func (t Transitions[T]) Check(from, to T) error {
	if !t.Can(from, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	return nil
}

var (
	// StepTransitions is the per-step state machine:
	//
	//	pending -> running | skipped
	//	running -> succeeded | failed
	//	failed -> retrying        (attempts remain)
	//	retrying -> running
	//	succeeded -> compensating (rollback sweep)
	//	compensating -> compensated
	//
	// failed (exhausted), skipped, and compensated are terminal.
	StepTransitions = Transitions[StepStatus]{
		StepPending:      setOf(StepRunning, StepSkipped),
		StepRunning:      setOf(StepSucceeded, StepFailed),
		StepFailed:       setOf(StepRetrying),
		StepRetrying:     setOf(StepRunning),
		StepSucceeded:    setOf(StepCompensating),
		StepCompensating: setOf(StepCompensated),
		StepCompensated:  setOf[StepStatus](),
		StepSkipped:      setOf[StepStatus](),
	}

	// RunTransitions is the flow-run state machine.
	RunTransitions = Transitions[RunStatus]{
		RunRunning:      setOf(RunSucceeded, RunFailed, RunCompensating),
		RunCompensating: setOf(RunCompensated, RunFailed),
		RunSucceeded:    setOf[RunStatus](),
		RunFailed:       setOf[RunStatus](),
		RunCompensated:  setOf[RunStatus](),
	}
)
