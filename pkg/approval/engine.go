package approval

import (
	"context"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/changegate/changegate/pkg/change"
)

// Engine runs staged approval workflows. Decisions append rows; stage
// advancement is recomputed from the accumulated set so concurrent
// approvers never lose updates.
type Engine struct {
	store    *WorkflowStore
	policies *PolicySource
	logger   *slog.Logger
}

func NewEngine(store *WorkflowStore, policies *PolicySource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, policies: policies, logger: logger}
}

// Outcome reports what a recorded approval did to the workflow.
type Outcome struct {
	Workflow  *Workflow
	Decision  *StageApproval
	Advanced  bool
	Completed bool
	Override  bool
}

// Create opens a workflow for a change, snapshotting the active policy's
// stage requirements, deadline and escalation contacts onto it.
func (e *Engine) Create(ctx context.Context, changeID string, kind Kind) (*Workflow, error) {
	if changeID == "" {
		return nil, &change.ValidationError{Field: "changeId", Message: "must not be empty"}
	}
	if kind == "" {
		kind = KindStandard
	}
	if !ValidKind(kind) {
		return nil, &change.ValidationError{Field: "kind", Message: "must be standard, fast-track or emergency"}
	}
	policy := e.policies.Current()
	reqs := policy.Requirements(kind)
	deadline := policy.Deadline(kind, time.Now().UTC())
	record := &WorkflowRecord{
		ChangeID:           changeID,
		Kind:               string(kind),
		Status:             string(StatusInProgress),
		CurrentStage:       string(reqs[0].Stage),
		Requirements:       RequirementList(reqs),
		Deadline:           &deadline,
		EscalationContacts: policy.EscalationContacts,
	}
	created, err := e.store.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	e.logger.Info("approval workflow opened",
		slog.String("workflowID", created.ID),
		slog.String("changeID", changeID),
		slog.String("kind", string(kind)),
		slog.String("stage", created.CurrentStage))
	return created.ToAPI(), nil
}

// Get returns a workflow with its decision history attached.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "workflow", ID: id}
	}
	return e.withDecisions(ctx, record)
}

// GetByChange returns the workflow attached to a change, or nil when the
// change never required approval.
func (e *Engine) GetByChange(ctx context.Context, changeID string) (*Workflow, error) {
	record, err := e.store.GetByChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return e.withDecisions(ctx, record)
}

func (e *Engine) withDecisions(ctx context.Context, record *WorkflowRecord) (*Workflow, error) {
	decisions, err := e.store.ListDecisions(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	w := record.ToAPI()
	w.Approvals = make([]StageApproval, 0, len(decisions))
	for i := range decisions {
		w.Approvals = append(w.Approvals, *decisions[i].ToAPI())
	}
	return w, nil
}

// Approve records one approval at the workflow's current stage. The stage
// advances once every required role is covered by at least one approval
// and the distinct approver count meets the minimum. On emergency
// workflows an emergency approver satisfies the stage alone; the decision
// is recorded with Override set.
func (e *Engine) Approve(ctx context.Context, workflowID string, stage Stage, approver string, roles []string, comments string) (*Outcome, error) {
	record, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if !Status(record.Status).Approvable() {
		return nil, workflowClosed(Status(record.Status))
	}
	if string(stage) != record.CurrentStage {
		return nil, stageMismatch(stage, Stage(record.CurrentStage))
	}
	req, ok := record.Requirements.find(stage)
	if !ok {
		return nil, stageMismatch(stage, Stage(record.CurrentStage))
	}

	override := Kind(record.Kind) == KindEmergency && e.policies.Current().IsEmergencyApprover(roles)
	if !override && !holdsAny(roles, req.RequiredRoles) {
		return nil, unauthorizedApprover(stage, approver)
	}

	decision, err := e.store.AppendDecision(ctx, &StageApprovalRecord{
		WorkflowID: workflowID,
		Stage:      string(stage),
		Approver:   approver,
		Roles:      roles,
		Decision:   DecisionApproved,
		Comments:   comments,
		Override:   override,
	})
	if err != nil {
		return nil, err
	}

	satisfied := override
	if !satisfied {
		satisfied, err = e.stageSatisfied(ctx, workflowID, req)
		if err != nil {
			return nil, err
		}
	}

	outcome := &Outcome{Decision: decision.ToAPI(), Override: override}
	if satisfied {
		next, last := record.Requirements.after(stage)
		if last {
			won, err := e.store.SetStatus(ctx, workflowID, StatusApproved, StatusInProgress, StatusEscalated)
			if err != nil {
				return nil, err
			}
			outcome.Completed = won
		} else {
			won, err := e.store.AdvanceStage(ctx, workflowID, stage, next)
			if err != nil {
				return nil, err
			}
			outcome.Advanced = won
		}
	}

	outcome.Workflow, err = e.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("approval recorded",
		slog.String("workflowID", workflowID),
		slog.String("stage", string(stage)),
		slog.String("approver", approver),
		slog.Bool("override", override),
		slog.Bool("advanced", outcome.Advanced),
		slog.Bool("completed", outcome.Completed))
	return outcome, nil
}

// Reject records a rejection and closes the workflow. A single rejection
// at any stage is final.
func (e *Engine) Reject(ctx context.Context, workflowID string, stage Stage, approver string, roles []string, comments string) (*Workflow, error) {
	record, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if !Status(record.Status).Approvable() {
		return nil, workflowClosed(Status(record.Status))
	}
	if string(stage) != record.CurrentStage {
		return nil, stageMismatch(stage, Stage(record.CurrentStage))
	}
	req, _ := record.Requirements.find(stage)
	if !holdsAny(roles, req.RequiredRoles) {
		if !(Kind(record.Kind) == KindEmergency && e.policies.Current().IsEmergencyApprover(roles)) {
			return nil, unauthorizedApprover(stage, approver)
		}
	}

	if _, err := e.store.AppendDecision(ctx, &StageApprovalRecord{
		WorkflowID: workflowID,
		Stage:      string(stage),
		Approver:   approver,
		Roles:      roles,
		Decision:   DecisionRejected,
		Comments:   comments,
	}); err != nil {
		return nil, err
	}
	if _, err := e.store.SetStatus(ctx, workflowID, StatusRejected, StatusInProgress, StatusEscalated); err != nil {
		return nil, err
	}
	e.logger.Info("approval rejected",
		slog.String("workflowID", workflowID),
		slog.String("stage", string(stage)),
		slog.String("approver", approver))
	return e.Get(ctx, workflowID)
}

// stageSatisfied checks role coverage and the distinct approver count
// against the accumulated approvals for the stage.
func (e *Engine) stageSatisfied(ctx context.Context, workflowID string, req StageRequirement) (bool, error) {
	decisions, err := e.store.ListStageDecisions(ctx, workflowID, req.Stage)
	if err != nil {
		return false, err
	}
	required := mapset.NewSet[string](req.RequiredRoles...)
	covered := mapset.NewSet[string]()
	approvers := mapset.NewSet[string]()
	for i := range decisions {
		if decisions[i].Decision != DecisionApproved {
			continue
		}
		approvers.Add(decisions[i].Approver)
		for _, r := range decisions[i].Roles {
			if required.Contains(r) {
				covered.Add(r)
			}
		}
	}
	if approvers.Cardinality() < req.MinApprovals {
		return false, nil
	}
	return required.Difference(covered).IsEmpty(), nil
}

func (l RequirementList) find(stage Stage) (StageRequirement, bool) {
	for _, req := range l {
		if req.Stage == stage {
			return req, true
		}
	}
	return StageRequirement{}, false
}

// after returns the stage following the given one and whether the given
// one is the last.
func (l RequirementList) after(stage Stage) (Stage, bool) {
	for i, req := range l {
		if req.Stage == stage {
			if i == len(l)-1 {
				return "", true
			}
			return l[i+1].Stage, false
		}
	}
	return "", true
}

func holdsAny(held, required []string) bool {
	for _, h := range held {
		for _, r := range required {
			if h == r {
				return true
			}
		}
	}
	return false
}
