package change

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_LegalEdges(t *testing.T) {
	m := NewMachine()

	cases := []struct {
		from  State
		event Event
		want  State
	}{
		{StatePending, EventBeginTesting, StateTesting},
		{StateTesting, EventTestsPassed, StateTestingPassed},
		{StateTesting, EventTestsFailed, StateTestingFailed},
		{StateTestingPassed, EventRequestApproval, StateAwaitingApproval},
		{StateTestingPassed, EventApprove, StateApproved},
		{StateAwaitingApproval, EventApprove, StateApproved},
		{StateAwaitingApproval, EventReject, StateRejected},
		{StateApproved, EventBeginDeploy, StateDeploying},
		{StateDeploying, EventDeploySucceeded, StateDeployed},
		{StateDeploying, EventDeployFailed, StateDeployFailed},
		{StateDeployFailed, EventBeginRollback, StateRollingBack},
		{StateRollingBack, EventRollbackSucceeded, StateRolledBack},
		{StateRollingBack, EventRollbackFailed, StateRollbackFailed},
		{StatePending, EventCancel, StateCancelled},
		{StateAwaitingApproval, EventCancel, StateCancelled},
		{StateDeployFailed, EventCancel, StateCancelled},
	}
	for _, tc := range cases {
		got, err := m.Next(tc.from, tc.event)
		require.NoError(t, err, "%s from %s", tc.event, tc.from)
		assert.Equal(t, tc.want, got)
	}
}

func TestMachine_IllegalEdges(t *testing.T) {
	m := NewMachine()

	// Deploying straight from PENDING skips the testing gate.
	_, err := m.Next(StatePending, EventBeginDeploy)
	require.Error(t, err)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, CodeInvalidTransition, terr.Code())
	assert.Equal(t, StatePending, terr.From)
	assert.Equal(t, EventBeginDeploy, terr.Event)

	// Terminal states admit nothing.
	for _, s := range []State{StateDeployed, StateRolledBack, StateTestingFailed, StateRejected, StateCancelled, StateRollbackFailed} {
		assert.True(t, s.Terminal())
		_, err := m.Next(s, EventBeginTesting)
		assert.Error(t, err, "from %s", s)
	}
}

func TestMachine_CancellationNotAllowedDuringRiskyPhases(t *testing.T) {
	m := NewMachine()

	for _, s := range []State{StateDeploying, StateRollingBack} {
		_, err := m.Next(s, EventCancel)
		require.Error(t, err)
		var terr *TransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, CodeCancellationNotAllowed, terr.Code(), "from %s", s)
	}
}

func TestMachine_Events(t *testing.T) {
	m := NewMachine()

	events := m.Events(StateAwaitingApproval)
	assert.ElementsMatch(t, []Event{EventApprove, EventReject, EventCancel}, events)

	assert.Empty(t, m.Events(StateDeployed))
}
