// Package engine coordinates the change lifecycle across the registry, test
// orchestrator, approval engine, deploy executor and rollback manager. It is
// the only component that writes cross-component transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/changegate/changegate/pkg/approval"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/deploy"
	"github.com/changegate/changegate/pkg/dispatch"
	"github.com/changegate/changegate/pkg/rollback"
	"github.com/changegate/changegate/pkg/testrun"
)

// SystemActor is the audit actor recorded for transitions the pipeline
// performs on its own, without a human caller.
const SystemActor = "system"

// DetailEmergencyID marks changes created by the emergency responder; its
// presence selects the emergency approval kind.
const DetailEmergencyID = "emergencyId"

// Pipeline wires the lifecycle components together.
type Pipeline struct {
	registry  *change.Registry
	tests     *testrun.Orchestrator
	approvals *approval.Engine
	deployer  *deploy.Executor
	rollbacks *rollback.Manager
	queue     *dispatch.Queue
	attempts  int
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. The queue may be nil, in which case test
// batteries run inline at submission and scheduled deploys are not deferred.
func NewPipeline(
	registry *change.Registry,
	tests *testrun.Orchestrator,
	approvals *approval.Engine,
	deployer *deploy.Executor,
	rollbacks *rollback.Manager,
	queue *dispatch.Queue,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:  registry,
		tests:     tests,
		approvals: approvals,
		deployer:  deployer,
		rollbacks: rollbacks,
		queue:     queue,
		attempts:  3,
		logger:    logger,
	}
}

// Registry exposes the underlying change registry for read paths.
func (p *Pipeline) Registry() *change.Registry { return p.registry }

// Approvals exposes the approval engine for read paths.
func (p *Pipeline) Approvals() *approval.Engine { return p.approvals }

// Tests exposes the test orchestrator for read paths.
func (p *Pipeline) Tests() *testrun.Orchestrator { return p.tests }

// SubmitChange records a new change and defers its test battery. With a
// queue attached the battery runs on a dispatch worker and submission
// returns immediately; without one the battery runs inline.
func (p *Pipeline) SubmitChange(ctx context.Context, c *change.SecurityChange, actor string) (*change.SecurityChange, error) {
	created, err := p.registry.Create(ctx, c, actor)
	if err != nil {
		return nil, err
	}

	if p.queue != nil {
		if _, err := p.queue.Enqueue(ctx, dispatch.KindRunTests, created.ID, time.Now(), p.attempts); err != nil {
			p.logger.Error("failed to enqueue test battery", "changeId", created.ID, "error", err)
			return created, err
		}
		return created, nil
	}

	refreshed, _, err := p.RunTests(ctx, created.ID)
	if err != nil {
		return created, err
	}
	return refreshed, nil
}

// RunTests walks a pending change through its test battery and hands it to
// the approval stage on a pass. Infrastructure failures are treated exactly
// like a failed battery: the change moves to TESTING_FAILED. The returned
// battery result is nil when the rig never ran a case.
func (p *Pipeline) RunTests(ctx context.Context, changeID string) (*change.SecurityChange, *testrun.BatteryResult, error) {
	c, err := p.registry.Get(ctx, changeID)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, &change.NotFoundError{Kind: "change", ID: changeID}
	}

	c, err = p.registry.Transition(ctx, changeID, change.EventBeginTesting, SystemActor, "test battery started")
	if err != nil {
		return nil, nil, err
	}

	result, err := p.tests.Run(ctx, c)

	var infra *testrun.InfraError
	if errors.As(err, &infra) {
		p.logger.Error("test infrastructure failure", "changeId", changeID, "error", err)
		failed, ferr := p.registry.Transition(ctx, changeID, change.EventTestsFailed, SystemActor,
			"test infrastructure failure: "+infra.Message)
		if ferr != nil {
			return nil, nil, ferr
		}
		p.auditTests(ctx, changeID, string(testrun.VerdictError), 0)
		return failed, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if result.Overall != testrun.VerdictPassed {
		failed, ferr := p.registry.Transition(ctx, changeID, change.EventTestsFailed, SystemActor, "test battery failed")
		if ferr != nil {
			return nil, result, ferr
		}
		p.auditTests(ctx, changeID, string(result.Overall), len(result.Results))
		return failed, result, nil
	}

	c, err = p.registry.Transition(ctx, changeID, change.EventTestsPassed, SystemActor, "test battery passed")
	if err != nil {
		return nil, result, err
	}
	p.auditTests(ctx, changeID, string(result.Overall), len(result.Results))

	c, err = p.afterTestsPassed(ctx, c)
	return c, result, err
}

// afterTestsPassed moves a TESTING_PASSED change to its next station:
// auto-approval when no human sign-off is required, otherwise an approval
// workflow of the kind the change calls for.
func (p *Pipeline) afterTestsPassed(ctx context.Context, c *change.SecurityChange) (*change.SecurityChange, error) {
	if !c.ApprovalRequired {
		approved, err := p.registry.Transition(ctx, c.ID, change.EventApprove, SystemActor, "approval not required")
		if err != nil {
			return nil, err
		}
		p.scheduleDeploy(ctx, approved)
		return approved, nil
	}

	c, err := p.registry.Transition(ctx, c.ID, change.EventRequestApproval, SystemActor, "awaiting staged approval")
	if err != nil {
		return nil, err
	}

	workflow, err := p.approvals.Create(ctx, c.ID, kindFor(c))
	if err != nil {
		return nil, err
	}
	if err := p.registry.SetWorkflowID(ctx, c.ID, workflow.ID); err != nil {
		return nil, err
	}
	c.WorkflowID = workflow.ID
	return c, nil
}

// Approve records one stage approval and, when it completes the workflow,
// marks the change approved and schedules its deploy.
func (p *Pipeline) Approve(ctx context.Context, workflowID string, stage approval.Stage, approver string, roles []string, comments string) (*approval.Outcome, error) {
	outcome, err := p.approvals.Approve(ctx, workflowID, stage, approver, roles, comments)
	if err != nil {
		return nil, err
	}

	action := change.ActionApprovalGranted
	if outcome.Override {
		action = change.ActionApprovalOverride
	}
	p.appendAudit(ctx, outcome.Workflow.ChangeID, approver, action, comments, map[string]any{
		"workflowId": workflowID,
		"stage":      string(stage),
		"advanced":   outcome.Advanced,
		"completed":  outcome.Completed,
	})

	if outcome.Completed {
		approved, err := p.registry.Transition(ctx, outcome.Workflow.ChangeID, change.EventApprove, approver,
			"all approval stages complete")
		if err != nil {
			return outcome, err
		}
		p.scheduleDeploy(ctx, approved)
	}
	return outcome, nil
}

// Reject records a stage rejection, closes the workflow and moves the change
// to REJECTED.
func (p *Pipeline) Reject(ctx context.Context, workflowID string, stage approval.Stage, approver string, roles []string, comments string) (*approval.Workflow, error) {
	workflow, err := p.approvals.Reject(ctx, workflowID, stage, approver, roles, comments)
	if err != nil {
		return nil, err
	}

	p.appendAudit(ctx, workflow.ChangeID, approver, change.ActionApprovalRejected, comments, map[string]any{
		"workflowId": workflowID,
		"stage":      string(stage),
	})

	if _, err := p.registry.Transition(ctx, workflow.ChangeID, change.EventReject, approver, comments); err != nil {
		return workflow, err
	}
	return workflow, nil
}

// Deploy executes an approved change now.
func (p *Pipeline) Deploy(ctx context.Context, changeID, actor string) (*deploy.Result, error) {
	return p.deployer.Deploy(ctx, changeID, actor)
}

// Rollback restores the systems touched by a failed change.
func (p *Pipeline) Rollback(ctx context.Context, changeID, actor string) (*rollback.Procedure, error) {
	return p.rollbacks.Rollback(ctx, changeID, actor)
}

// Cancel abandons a change and drops any queued work for it.
func (p *Pipeline) Cancel(ctx context.Context, changeID, actor, reason string) (*change.SecurityChange, error) {
	c, err := p.registry.Cancel(ctx, changeID, actor, reason)
	if err != nil {
		return nil, err
	}
	if p.queue != nil {
		if _, err := p.queue.CancelPending(ctx, changeID, "change canceled"); err != nil {
			p.logger.Error("failed to cancel queued work", "changeId", changeID, "error", err)
		}
	}
	return c, nil
}

// scheduleDeploy defers the deploy of an approved change with a scheduled
// time. Unscheduled changes wait for an explicit deploy call.
func (p *Pipeline) scheduleDeploy(ctx context.Context, c *change.SecurityChange) {
	if p.queue == nil || c.ScheduledAt == "" {
		return
	}
	due, err := time.Parse(time.RFC3339, c.ScheduledAt)
	if err != nil {
		p.logger.Warn("unparseable schedule, deploy left manual", "changeId", c.ID, "scheduledAt", c.ScheduledAt)
		return
	}
	if _, err := p.queue.Enqueue(ctx, dispatch.KindDeployChange, c.ID, due, p.attempts); err != nil {
		p.logger.Error("failed to enqueue scheduled deploy", "changeId", c.ID, "error", err)
		return
	}
	p.logger.Info("deploy scheduled", "changeId", c.ID, "dueAt", due.Format(time.RFC3339))
}

// kindFor selects the approval workflow kind for a change: emergency for
// responder-created changes, fast-track for critical priority, standard
// otherwise.
func kindFor(c *change.SecurityChange) approval.Kind {
	if c.Detail != nil {
		if id, ok := c.Detail[DetailEmergencyID].(string); ok && id != "" {
			return approval.KindEmergency
		}
	}
	if c.Priority == change.PriorityCritical {
		return approval.KindFastTrack
	}
	return approval.KindStandard
}

func (p *Pipeline) auditTests(ctx context.Context, changeID, overall string, cases int) {
	p.appendAudit(ctx, changeID, SystemActor, change.ActionTestsCompleted, "", map[string]any{
		"overall": overall,
		"cases":   cases,
	})
}

func (p *Pipeline) appendAudit(ctx context.Context, changeID, actor, action, reason string, detail map[string]any) {
	if err := p.registry.Append(ctx, changeID, actor, action, reason, detail); err != nil {
		p.logger.Error("failed to append audit entry", "changeId", changeID, "action", action, "error", err)
	}
}

// Execute implements dispatch.Handler. Work for a change that has already
// left the expected state is reported superseded so the worker cancels it.
func (p *Pipeline) Execute(ctx context.Context, item *dispatch.WorkItem) error {
	c, err := p.registry.Get(ctx, item.ChangeID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("change %s no longer exists: %w", item.ChangeID, dispatch.ErrSuperseded)
	}

	switch item.Kind {
	case dispatch.KindRunTests:
		if c.Status != change.StatePending {
			return fmt.Errorf("change %s is %s, tests expect PENDING: %w", c.ID, c.Status, dispatch.ErrSuperseded)
		}
		_, _, err := p.RunTests(ctx, item.ChangeID)
		return p.classify(err)
	case dispatch.KindDeployChange:
		if c.Status != change.StateApproved {
			return fmt.Errorf("change %s is %s, deploy expects APPROVED: %w", c.ID, c.Status, dispatch.ErrSuperseded)
		}
		_, err := p.Deploy(ctx, item.ChangeID, SystemActor)
		return p.classify(err)
	default:
		return fmt.Errorf("unknown work item kind %q", item.Kind)
	}
}

// classify folds a lost transition race into supersession; everything else
// stays retryable.
func (p *Pipeline) classify(err error) error {
	var transition *change.TransitionError
	if errors.As(err, &transition) {
		return fmt.Errorf("%s: %w", transition.Error(), dispatch.ErrSuperseded)
	}
	return err
}

// WorkflowEscalated implements approval.EscalationHooks: the deadline breach
// lands in the change's audit trail.
func (p *Pipeline) WorkflowEscalated(ctx context.Context, record *approval.WorkflowRecord) {
	detail := map[string]any{
		"workflowId": record.ID,
		"stage":      record.CurrentStage,
	}
	if record.Deadline != nil {
		detail["newDeadline"] = record.Deadline.Format(time.RFC3339)
	}
	p.appendAudit(ctx, record.ChangeID, SystemActor, change.ActionApprovalEscalated,
		"approval deadline breached, grace window granted", detail)
}

// WorkflowExpired implements approval.EscalationHooks: an expired workflow is
// a rejection, so the change leaves AWAITING_APPROVAL for good.
func (p *Pipeline) WorkflowExpired(ctx context.Context, record *approval.WorkflowRecord) {
	p.appendAudit(ctx, record.ChangeID, SystemActor, change.ActionApprovalExpired,
		"approval window expired", map[string]any{
			"workflowId": record.ID,
			"stage":      record.CurrentStage,
		})
	if _, err := p.registry.Transition(ctx, record.ChangeID, change.EventReject, SystemActor, "approval window expired"); err != nil {
		p.logger.Warn("expired workflow change not rejected", "changeId", record.ChangeID, "error", err)
	}
}
