package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunTransitions(t *testing.T) {
	legal := [][2]RunStatus{
		{RunRunning, RunSucceeded},
		{RunRunning, RunFailed},
		{RunRunning, RunCompensating},
		{RunCompensating, RunCompensated},
		{RunCompensating, RunFailed},
	}
	for _, tr := range legal {
		assert.True(t, RunTransitions.Can(tr[0], tr[1]), "%v -> %v", tr[0], tr[1])
	}

	illegal := [][2]RunStatus{
		{RunRunning, RunCompensated},
		{RunSucceeded, RunFailed},
		{RunFailed, RunRunning},
		{RunCompensated, RunCompensating},
	}
	for _, tr := range illegal {
		assert.ErrorIs(t, RunTransitions.Check(tr[0], tr[1]), ErrInvalidTransition, "%v -> %v", tr[0], tr[1])
	}
}

func TestStepTransitionsTerminalStates(t *testing.T) {
	for _, from := range []StepStatus{StepFailed, StepSkipped, StepCompensated} {
		if from == StepFailed {
			// Failed may still retry; everything else is closed.
			assert.True(t, StepTransitions.Can(StepFailed, StepRetrying))
			assert.False(t, StepTransitions.Can(StepFailed, StepRunning))
			continue
		}
		for _, to := range []StepStatus{StepPending, StepRunning, StepSucceeded} {
			assert.False(t, StepTransitions.Can(from, to), "%v -> %v", from, to)
		}
	}
}
