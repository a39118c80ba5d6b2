// Package emergency implements the fast-path for security incidents: an
// emergency is declared, activated with an immediate-action checklist, then
// contained and recovered in explicit phases. Each emergency rides on a
// linked registry change so the normal lifecycle, audit trail and rollback
// guarantees still apply.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/engine"
	"github.com/changegate/changegate/pkg/metrics"
	"github.com/changegate/changegate/pkg/notify"
)

// ActionRunner executes one named response action against the environment.
// The returned detail is recorded verbatim alongside the action result.
type ActionRunner interface {
	Run(ctx context.Context, e *EmergencyUpdate, action string) (string, error)
}

// RunnerFunc adapts a function to the ActionRunner interface.
type RunnerFunc func(ctx context.Context, e *EmergencyUpdate, action string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, e *EmergencyUpdate, action string) (string, error) {
	return f(ctx, e, action)
}

// LogRunner records actions in the log without touching any system. It is
// the default when no real runner is wired.
type LogRunner struct {
	Logger *slog.Logger
}

func (r *LogRunner) Run(ctx context.Context, e *EmergencyUpdate, action string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("emergency action", "emergencyId", e.ID, "action", action)
	return "logged only", nil
}

// Config bounds responder behavior.
type Config struct {
	// ActionTimeout bounds each checklist action.
	ActionTimeout time.Duration
}

// Responder drives emergencies through their phases.
type Responder struct {
	store    *EmergencyStore
	pipeline *engine.Pipeline
	fanout   *notify.Fanout
	runner   ActionRunner
	cfg      Config
	logger   *slog.Logger
}

// NewResponder creates a Responder. A nil runner falls back to LogRunner.
func NewResponder(store *EmergencyStore, pipeline *engine.Pipeline, fanout *notify.Fanout, runner ActionRunner, cfg Config, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = &LogRunner{Logger: logger}
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	return &Responder{
		store:    store,
		pipeline: pipeline,
		fanout:   fanout,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
	}
}

// declaration carries the validate tags for emergency creation.
type declaration struct {
	Title            string   `validate:"required,max=200"`
	Type             string   `validate:"required,oneof=data-breach critical-vulnerability ransomware other"`
	Level            string   `validate:"required,oneof=low medium high critical crisis"`
	AffectedSystems  []string `validate:"required,min=1,dive,required"`
	Contacts         []string `validate:"dive,required"`
	EstimatedMinutes int      `validate:"gte=0"`
}

var validate = validator.New()

func validateDeclaration(e *EmergencyUpdate) error {
	if e == nil {
		return &change.ValidationError{Message: "emergency body is required"}
	}
	d := declaration{
		Title:            e.Title,
		Type:             string(e.Type),
		Level:            string(e.Level),
		AffectedSystems:  e.AffectedSystems,
		Contacts:         e.Contacts,
		EstimatedMinutes: e.EstimatedMinutes,
	}
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &change.ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %q validation (got %v)", fe.Tag(), fe.Value()),
		}
	}
	return &change.ValidationError{Message: err.Error()}
}

// Create validates and persists an emergency in the declared phase, and
// submits the linked registry change that carries the remediation through
// the normal lifecycle under the emergency approval kind.
func (r *Responder) Create(ctx context.Context, e *EmergencyUpdate, actor string) (*EmergencyUpdate, error) {
	if err := validateDeclaration(e); err != nil {
		return nil, err
	}

	record := &EmergencyRecord{
		Title:            e.Title,
		Description:      e.Description,
		Type:             string(e.Type),
		Level:            string(e.Level),
		Status:           string(StatusDeclared),
		AffectedSystems:  e.AffectedSystems,
		AffectedServices: e.AffectedServices,
		ThreatIndicators: e.ThreatIndicators,
		Contacts:         e.Contacts,
		Priority:         string(change.PriorityCritical),
		EstimatedMinutes: e.EstimatedMinutes,
		CreatedBy:        actor,
	}
	record, err := r.store.Create(ctx, record)
	if err != nil {
		return nil, err
	}

	linked := &change.SecurityChange{
		Title:            "Emergency: " + e.Title,
		Description:      e.Description,
		Category:         change.CategorySecurityUpdate,
		Priority:         change.PriorityCritical,
		RiskLevel:        change.RiskCritical,
		AffectedSystems:  e.AffectedSystems,
		AffectedServices: e.AffectedServices,
		TestingRequired:  false,
		ApprovalRequired: true,
		RollbackPlan:     "restore the pre-deploy snapshot of every affected system",
		Detail: map[string]any{
			engine.DetailEmergencyID: record.ID,
			"emergencyType":          string(e.Type),
			"emergencyLevel":         string(e.Level),
		},
	}
	created, err := r.pipeline.SubmitChange(ctx, linked, actor)
	if err != nil {
		return nil, fmt.Errorf("submit linked change for emergency %s: %w", record.ID, err)
	}
	if err := r.store.SetChangeID(ctx, record.ID, created.ID); err != nil {
		return nil, err
	}
	record.ChangeID = created.ID

	r.audit(ctx, created.ID, actor, "emergency declared", map[string]any{
		"emergencyId": record.ID,
		"type":        record.Type,
		"level":       record.Level,
	})
	r.logger.Info("emergency declared",
		"emergencyId", record.ID,
		"type", record.Type,
		"level", record.Level,
		"changeId", created.ID)
	return record.ToAPI(), nil
}

// Get returns an emergency by ID.
func (r *Responder) Get(ctx context.Context, id string) (*EmergencyUpdate, error) {
	record, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "emergency", ID: id}
	}
	return record.ToAPI(), nil
}

// List returns paginated emergencies, optionally filtered by status and type.
func (r *Responder) List(ctx context.Context, status Status, typ Type, pageSize int, pageToken string) (*EmergencyList, error) {
	records, nextToken, total, err := r.store.List(ctx, status, typ, pageSize, pageToken)
	if err != nil {
		return nil, err
	}
	out := &EmergencyList{
		Emergencies:   make([]EmergencyUpdate, 0, len(records)),
		NextPageToken: nextToken,
		TotalSize:     total,
	}
	for i := range records {
		out.Emergencies = append(out.Emergencies, *records[i].ToAPI())
	}
	return out, nil
}

// Activate claims a declared emergency, runs its immediate-action checklist
// best-effort, and pages every configured contact. A failed action is logged
// and recorded but never blocks the remaining actions or the notifications.
func (r *Responder) Activate(ctx context.Context, id, actor string) (*EmergencyUpdate, error) {
	record, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "emergency", ID: id}
	}
	if record.Status != string(StatusDeclared) {
		return nil, phaseError(id, Status(record.Status), "only a declared emergency can be activated")
	}

	won, err := r.store.MarkActive(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, phaseError(id, Status(record.Status), "emergency was activated concurrently")
	}

	api := record.ToAPI()
	actions := r.runChecklist(ctx, api, ImmediateChecklist(Type(record.Type)))
	if err := r.store.SaveImmediateActions(ctx, id, actions); err != nil {
		return nil, err
	}

	notified := r.page(ctx, record, "EMERGENCY ACTIVATED: "+record.Title)
	metrics.EmergencyActivated(record.Level)

	r.audit(ctx, record.ChangeID, actor, "emergency activated", map[string]any{
		"emergencyId":   id,
		"actions":       len(actions),
		"failedActions": Failed(actions),
		"notified":      notified,
	})
	r.logger.Info("emergency activated",
		"emergencyId", id,
		"actions", len(actions),
		"failed", Failed(actions),
		"notified", notified)

	return r.Get(ctx, id)
}

// ExecuteContainment runs the containment checklist for an active emergency.
// The phase advances to contained only when every step succeeds; partial
// failure records the results and leaves the emergency active.
func (r *Responder) ExecuteContainment(ctx context.Context, id, actor string) (*EmergencyUpdate, error) {
	record, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "emergency", ID: id}
	}
	if record.Status != string(StatusActive) {
		return nil, phaseError(id, Status(record.Status), "containment requires an active emergency")
	}

	api := record.ToAPI()
	steps := r.runChecklist(ctx, api, ContainmentChecklist(Type(record.Type)))
	if err := r.store.SaveContainmentSteps(ctx, id, steps); err != nil {
		return nil, err
	}

	complete := Failed(steps) == 0
	if complete {
		if _, err := r.store.MarkContained(ctx, id); err != nil {
			return nil, err
		}
	}

	r.audit(ctx, record.ChangeID, actor, "containment executed", map[string]any{
		"emergencyId": id,
		"steps":       len(steps),
		"failedSteps": Failed(steps),
		"contained":   complete,
	})
	return r.Get(ctx, id)
}

// ExecuteRecovery runs the recovery checklist for a contained emergency.
// Full success resolves the emergency and stamps ResolvedAt; partial failure
// records the results and leaves it contained.
func (r *Responder) ExecuteRecovery(ctx context.Context, id, actor string) (*EmergencyUpdate, error) {
	record, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &change.NotFoundError{Kind: "emergency", ID: id}
	}
	if record.Status != string(StatusContained) {
		return nil, phaseError(id, Status(record.Status), "recovery requires a contained emergency")
	}

	api := record.ToAPI()
	steps := r.runChecklist(ctx, api, RecoveryChecklist(Type(record.Type)))
	if err := r.store.SaveRecoverySteps(ctx, id, steps); err != nil {
		return nil, err
	}

	complete := Failed(steps) == 0
	if complete {
		if _, err := r.store.MarkResolved(ctx, id, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	r.audit(ctx, record.ChangeID, actor, "recovery executed", map[string]any{
		"emergencyId": id,
		"steps":       len(steps),
		"failedSteps": Failed(steps),
		"resolved":    complete,
	})
	return r.Get(ctx, id)
}

// runChecklist executes each action with its own timeout. Failures are
// recorded and the checklist keeps going.
func (r *Responder) runChecklist(ctx context.Context, e *EmergencyUpdate, names []string) ActionList {
	results := make(ActionList, 0, len(names))
	for _, name := range names {
		actionCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
		start := time.Now()
		detail, err := r.runner.Run(actionCtx, e, name)
		cancel()

		result := ActionResult{
			Name:   name,
			Status: ActionOK,
			Detail: detail,
			Millis: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Status = ActionFailed
			result.Detail = err.Error()
			r.logger.Warn("emergency action failed",
				"emergencyId", e.ID,
				"action", name,
				"error", err)
		}
		results = append(results, result)
	}
	return results
}

// page notifies every configured contact. Returns the number of contacts
// successfully reached.
func (r *Responder) page(ctx context.Context, record *EmergencyRecord, subject string) int {
	if r.fanout == nil || len(record.Contacts) == 0 {
		return 0
	}
	body := fmt.Sprintf("%s emergency (%s severity) affecting %s. Immediate actions executed; follow the %s containment checklist.",
		record.Type, record.Level, strings.Join(record.AffectedSystems, ", "), record.Type)
	return r.fanout.Broadcast(ctx, record.Contacts, notify.ChannelSMS, subject, body)
}

func (r *Responder) audit(ctx context.Context, changeID, actor, reason string, detail map[string]any) {
	if changeID == "" {
		return
	}
	err := r.pipeline.Registry().Append(ctx, changeID, actor, change.ActionEmergencyAction, reason, detail)
	if err != nil {
		r.logger.Error("failed to append emergency audit entry", "changeId", changeID, "error", err)
	}
}
