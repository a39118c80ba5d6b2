package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/changegate/changegate/pkg/approval"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/dispatch"
	"github.com/changegate/changegate/pkg/testrun"
)

// verdictRunner answers every case with a fixed verdict, or an infrastructure
// error when rigged that way.
type verdictRunner struct {
	verdict  testrun.Verdict
	infraErr error
}

func (r *verdictRunner) Execute(ctx context.Context, spec testrun.TestSpec, target string) (testrun.Outcome, error) {
	if r.infraErr != nil {
		return testrun.Outcome{}, r.infraErr
	}
	return testrun.Outcome{Verdict: r.verdict, Actual: "observed", Output: "ok"}, nil
}

type fixture struct {
	pipeline  *Pipeline
	registry  *change.Registry
	approvals *approval.Engine
	queue     *dispatch.Queue
	runner    *verdictRunner
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	registry := change.NewRegistry(db, nil)
	require.NoError(t, registry.Migrate())

	results := testrun.NewResultStore(db)
	require.NoError(t, results.AutoMigrate())
	runner := &verdictRunner{verdict: testrun.VerdictPassed}
	orchestrator := testrun.NewOrchestrator(runner, results, testrun.DefaultOrchestratorConfig(), nil)

	workflows := approval.NewWorkflowStore(db)
	require.NoError(t, workflows.AutoMigrate())
	policies, err := approval.NewPolicySource("", nil)
	require.NoError(t, err)
	approvals := approval.NewEngine(workflows, policies, nil)

	var queue *dispatch.Queue
	if withQueue {
		queue = dispatch.NewQueue(db)
		require.NoError(t, queue.AutoMigrate())
	}

	return &fixture{
		pipeline:  NewPipeline(registry, orchestrator, approvals, nil, nil, queue, nil),
		registry:  registry,
		approvals: approvals,
		queue:     queue,
		runner:    runner,
	}
}

func testChange(approvalRequired bool) *change.SecurityChange {
	return &change.SecurityChange{
		Title:            "restrict admin API to management network",
		Description:      "tighten the ingress ACL on the admin plane",
		Category:         change.CategoryConfiguration,
		Priority:         change.PriorityMedium,
		RiskLevel:        change.RiskMedium,
		AffectedSystems:  []string{"fw-core-1"},
		AffectedServices: []string{"nginx"},
		TestingRequired:  true,
		ApprovalRequired: approvalRequired,
		RollbackPlan:     "restore previous ACL from snapshot",
	}
}

// approveAll walks every stage of a workflow with a single well-credentialed
// approver.
func approveAll(t *testing.T, f *fixture, workflowID string) *approval.Outcome {
	t.Helper()
	roles := []string{
		"change-requester", "security-engineer", "technical-reviewer",
		"security-reviewer", "security-manager", "deployment-operator",
	}
	wf, err := f.approvals.Get(context.Background(), workflowID)
	require.NoError(t, err)

	var outcome *approval.Outcome
	for range wf.Requirements {
		current, err := f.approvals.Get(context.Background(), workflowID)
		require.NoError(t, err)
		outcome, err = f.pipeline.Approve(context.Background(), workflowID, current.CurrentStage,
			"dana", roles, "reviewed")
		require.NoError(t, err)
		if outcome.Completed {
			break
		}
	}
	require.NotNil(t, outcome)
	require.True(t, outcome.Completed)
	return outcome
}

func TestSubmitChangeInlineWalksToApproved(t *testing.T) {
	f := newFixture(t, false)
	c := testChange(false)
	c.TestingRequired = false

	got, err := f.pipeline.SubmitChange(context.Background(), c, "casey")
	require.NoError(t, err)
	assert.Equal(t, change.StateApproved, got.Status,
		"empty battery passes vacuously and approval is not required")
}

func TestSubmitChangeWithQueueDefersTests(t *testing.T) {
	f := newFixture(t, true)

	got, err := f.pipeline.SubmitChange(context.Background(), testChange(true), "casey")
	require.NoError(t, err)
	assert.Equal(t, change.StatePending, got.Status)

	items, err := f.queue.ListByChange(context.Background(), got.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, dispatch.KindRunTests, items[0].Kind)
	assert.Equal(t, dispatch.StateQueued, items[0].State)
}

func TestRunTestsPassOpensWorkflow(t *testing.T) {
	f := newFixture(t, false)
	created, err := f.registry.Create(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, result, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, testrun.VerdictPassed, result.Overall)
	assert.Equal(t, change.StateAwaitingApproval, got.Status)
	require.NotEmpty(t, got.WorkflowID)

	wf, err := f.approvals.Get(context.Background(), got.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, approval.KindStandard, wf.Kind)
	assert.Equal(t, created.ID, wf.ChangeID)
}

func TestRunTestsSelectsFastTrackForCriticalPriority(t *testing.T) {
	f := newFixture(t, false)
	c := testChange(true)
	c.Priority = change.PriorityCritical
	created, err := f.registry.Create(context.Background(), c, "casey")
	require.NoError(t, err)

	got, _, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)

	wf, err := f.approvals.Get(context.Background(), got.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, approval.KindFastTrack, wf.Kind)
}

func TestRunTestsFailureParksChange(t *testing.T) {
	f := newFixture(t, false)
	f.runner.verdict = testrun.VerdictFailed
	created, err := f.registry.Create(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, result, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, testrun.VerdictFailed, result.Overall)
	assert.Equal(t, change.StateTestingFailed, got.Status)
	assert.Empty(t, got.WorkflowID)
}

func TestRunTestsInfraFailureCountsAsFailed(t *testing.T) {
	f := newFixture(t, false)
	f.runner.infraErr = testrun.ErrInfrastructure
	created, err := f.registry.Create(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, result, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, result, "no battery result when the rig never ran")
	assert.Equal(t, change.StateTestingFailed, got.Status)
}

func TestApproveCompletionApprovesChange(t *testing.T) {
	f := newFixture(t, true)
	created, err := f.registry.Create(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, _, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)

	approveAll(t, f, got.WorkflowID)

	refreshed, err := f.registry.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, change.StateApproved, refreshed.Status)

	history, err := f.registry.History(context.Background(), created.ID, 100, "")
	require.NoError(t, err)
	var granted int
	for _, entry := range history.Entries {
		if entry.Action == change.ActionApprovalGranted {
			granted++
		}
	}
	assert.Greater(t, granted, 0, "stage approvals must land in the audit trail")
}

func TestApproveCompletionSchedulesDeploy(t *testing.T) {
	f := newFixture(t, true)
	c := testChange(true)
	due := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	c.ScheduledAt = due.Format(time.RFC3339)
	created, err := f.registry.Create(context.Background(), c, "casey")
	require.NoError(t, err)

	got, _, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)
	approveAll(t, f, got.WorkflowID)

	items, err := f.queue.ListByChange(context.Background(), created.ID)
	require.NoError(t, err)
	var deployItem *dispatch.WorkItem
	for i := range items {
		if items[i].Kind == dispatch.KindDeployChange {
			deployItem = &items[i]
		}
	}
	require.NotNil(t, deployItem, "approved scheduled change must enqueue its deploy")
	assert.WithinDuration(t, due, deployItem.DueAt, time.Second)
}

func TestRejectClosesWorkflowAndChange(t *testing.T) {
	f := newFixture(t, false)
	created, err := f.registry.Create(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, _, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)

	wf, err := f.pipeline.Reject(context.Background(), got.WorkflowID, approval.StageInitiation,
		"dana", []string{"change-requester", "security-engineer"}, "scope too broad")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, wf.Status)

	refreshed, err := f.registry.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, change.StateRejected, refreshed.Status)
}

func TestExecuteRunsQueuedTests(t *testing.T) {
	f := newFixture(t, true)
	created, err := f.pipeline.SubmitChange(context.Background(), testChange(true), "casey")
	require.NoError(t, err)
	require.Equal(t, change.StatePending, created.Status)

	err = f.pipeline.Execute(context.Background(), &dispatch.WorkItem{
		Kind:     dispatch.KindRunTests,
		ChangeID: created.ID,
	})
	require.NoError(t, err)

	got, err := f.registry.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, change.StateAwaitingApproval, got.Status)
}

func TestExecuteCancelsSupersededWork(t *testing.T) {
	f := newFixture(t, true)
	created, err := f.registry.Create(context.Background(), testChange(false), "casey")
	require.NoError(t, err)

	// Walk the change out of PENDING behind the queue's back.
	_, _, err = f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)

	err = f.pipeline.Execute(context.Background(), &dispatch.WorkItem{
		Kind:     dispatch.KindRunTests,
		ChangeID: created.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrSuperseded))

	err = f.pipeline.Execute(context.Background(), &dispatch.WorkItem{
		Kind:     dispatch.KindDeployChange,
		ChangeID: "missing",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrSuperseded))
}

func TestWorkflowExpiredRejectsChange(t *testing.T) {
	f := newFixture(t, false)
	created, err := f.registry.Create(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, _, err := f.pipeline.RunTests(context.Background(), created.ID)
	require.NoError(t, err)

	f.pipeline.WorkflowExpired(context.Background(), &approval.WorkflowRecord{
		ID:           got.WorkflowID,
		ChangeID:     created.ID,
		CurrentStage: string(approval.StageInitiation),
	})

	refreshed, err := f.registry.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, change.StateRejected, refreshed.Status)

	history, err := f.registry.History(context.Background(), created.ID, 100, "")
	require.NoError(t, err)
	var expired bool
	for _, entry := range history.Entries {
		if entry.Action == change.ActionApprovalExpired {
			expired = true
		}
	}
	assert.True(t, expired)
}

func TestCancelDropsQueuedWork(t *testing.T) {
	f := newFixture(t, true)

	created, err := f.pipeline.SubmitChange(context.Background(), testChange(true), "casey")
	require.NoError(t, err)

	got, err := f.pipeline.Cancel(context.Background(), created.ID, "casey", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, change.StateCancelled, got.Status)

	items, err := f.queue.ListByChange(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, dispatch.StateCanceled, items[0].State)
}
