package change

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(newTestDB(t), nil)
}

func testChange() *SecurityChange {
	return &SecurityChange{
		Title:            "patch openssl on bastion hosts",
		Category:         CategorySecurityUpdate,
		Priority:         PriorityCritical,
		RiskLevel:        RiskHigh,
		AffectedSystems:  []string{"bastion-1", "bastion-2"},
		AffectedServices: []string{"sshd"},
		TestingRequired:  true,
		ApprovalRequired: true,
	}
}

func TestRegistry_CreateValidatesAndAudits(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, testChange(), "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, StatePending, created.Status)
	assert.Equal(t, "alice", created.CreatedBy)

	trail, err := reg.History(ctx, created.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, trail.Entries, 1)
	assert.Equal(t, ActionCreated, trail.Entries[0].Action)
	assert.Equal(t, int64(1), trail.Entries[0].Seq)
	assert.Equal(t, "alice", trail.Entries[0].Actor)

	// Malformed submissions are rejected before any state is created.
	bad := testChange()
	bad.AffectedSystems = nil
	_, err = reg.Create(ctx, bad, "alice")
	require.Error(t, err)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	list, err := reg.List(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalSize)
}

func TestRegistry_TransitionWalksLegalEdgesAndAudits(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, testChange(), "alice")
	require.NoError(t, err)

	steps := []struct {
		event Event
		want  State
	}{
		{EventBeginTesting, StateTesting},
		{EventTestsPassed, StateTestingPassed},
		{EventRequestApproval, StateAwaitingApproval},
		{EventApprove, StateApproved},
		{EventBeginDeploy, StateDeploying},
		{EventDeploySucceeded, StateDeployed},
	}
	for _, s := range steps {
		got, err := reg.Transition(ctx, created.ID, s.event, "system", "test step")
		require.NoError(t, err, "event %s", s.event)
		assert.Equal(t, s.want, got.Status)
	}

	trail, err := reg.History(ctx, created.ID, 20, "")
	require.NoError(t, err)
	require.Len(t, trail.Entries, len(steps)+1)
	// Seq is strictly monotonic and records every edge in order.
	for i, entry := range trail.Entries {
		assert.Equal(t, int64(i+1), entry.Seq)
	}
	last := trail.Entries[len(trail.Entries)-1]
	assert.Equal(t, string(StateDeploying), string(last.FromState))
	assert.Equal(t, string(StateDeployed), string(last.ToState))
}

func TestRegistry_TransitionRejectsIllegalEvent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, testChange(), "alice")
	require.NoError(t, err)

	_, err = reg.Transition(ctx, created.ID, EventBeginDeploy, "alice", "")
	require.Error(t, err)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, CodeInvalidTransition, terr.Code())

	// The failed event left the state untouched and the trail clean.
	got, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.Status)

	trail, err := reg.History(ctx, created.ID, 10, "")
	require.NoError(t, err)
	assert.Len(t, trail.Entries, 1)
}

func TestRegistry_CancellationRules(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, testChange(), "alice")
	require.NoError(t, err)

	// Walk to DEPLOYING, where cancellation is rejected.
	for _, ev := range []Event{EventBeginTesting, EventTestsPassed, EventApprove, EventBeginDeploy} {
		_, err = reg.Transition(ctx, created.ID, ev, "system", "")
		require.NoError(t, err)
	}

	_, err = reg.Cancel(ctx, created.ID, "alice", "changed my mind")
	require.Error(t, err)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, CodeCancellationNotAllowed, terr.Code())

	// After the deploy settles, the failure path still permits cancel.
	_, err = reg.Transition(ctx, created.ID, EventDeployFailed, "system", "apply failed")
	require.NoError(t, err)
	got, err := reg.Cancel(ctx, created.ID, "alice", "abandoning")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.Status)
}

func TestRegistry_GetUnknownIsNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get(context.Background(), "ghost")
	require.Error(t, err)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, CodeNotFound, nf.Code())

	_, err = reg.Transition(context.Background(), "ghost", EventBeginTesting, "x", "")
	require.Error(t, err)
	assert.True(t, errors.As(err, &nf))
}

func TestRegistry_AppendRequiresExistingChange(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, testChange(), "alice")
	require.NoError(t, err)

	require.NoError(t, reg.Append(ctx, created.ID, "orchestrator", ActionTestsCompleted, "battery passed", map[string]any{"passed": 4}))
	err = reg.Append(ctx, "ghost", "orchestrator", ActionTestsCompleted, "", nil)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))

	trail, err := reg.History(ctx, created.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, trail.Entries, 2)
	assert.Equal(t, ActionTestsCompleted, trail.Entries[1].Action)
	assert.EqualValues(t, 4, trail.Entries[1].Detail["passed"])
}
