package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/changegate/changegate/pkg/approval"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/engine"
	"github.com/changegate/changegate/pkg/notify"
	"github.com/changegate/changegate/pkg/testrun"
)

// captureSender records every message the fanout delivers.
type captureSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (s *captureSender) Send(ctx context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *captureSender) messages() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// scriptedRunner fails the actions named in failOn and records every call.
type scriptedRunner struct {
	mu     sync.Mutex
	failOn map[string]bool
	calls  []string
}

func (r *scriptedRunner) Run(ctx context.Context, e *EmergencyUpdate, action string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action)
	if r.failOn[action] {
		return "", fmt.Errorf("action %q failed", action)
	}
	return "done", nil
}

type fixture struct {
	responder *Responder
	registry  *change.Registry
	approvals *approval.Engine
	store     *EmergencyStore
	sender    *captureSender
	runner    *scriptedRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	registry := change.NewRegistry(db, nil)
	require.NoError(t, registry.Migrate())

	results := testrun.NewResultStore(db)
	require.NoError(t, results.AutoMigrate())
	orchestrator := testrun.NewOrchestrator(nil, results, testrun.DefaultOrchestratorConfig(), nil)

	workflows := approval.NewWorkflowStore(db)
	require.NoError(t, workflows.AutoMigrate())
	policies, err := approval.NewPolicySource("", nil)
	require.NoError(t, err)
	approvals := approval.NewEngine(workflows, policies, nil)

	pipeline := engine.NewPipeline(registry, orchestrator, approvals, nil, nil, nil, nil)

	store := NewEmergencyStore(db)
	require.NoError(t, store.AutoMigrate())

	sender := &captureSender{}
	runner := &scriptedRunner{failOn: map[string]bool{}}

	responder := NewResponder(store, pipeline, notify.NewFanout(sender, nil), runner, Config{}, nil)
	return &fixture{
		responder: responder,
		registry:  registry,
		approvals: approvals,
		store:     store,
		sender:    sender,
		runner:    runner,
	}
}

func newDeclaration(typ Type, level Level) *EmergencyUpdate {
	return &EmergencyUpdate{
		Title:            "customer records exfiltrated from api gateway",
		Description:      "anomalous bulk reads from the accounts table via a leaked service token",
		Type:             typ,
		Level:            level,
		AffectedSystems:  []string{"api-gw-1", "db-accounts"},
		AffectedServices: []string{"gateway", "postgres"},
		ThreatIndicators: []string{"203.0.113.7", "token:svc-reports"},
		Contacts:         []string{"oncall-sec", "ciso", "platform-lead"},
		EstimatedMinutes: 240,
	}
}

func TestCreateDeclaresAndLinksChange(t *testing.T) {
	f := newFixture(t)

	got, err := f.responder.Create(context.Background(), newDeclaration(TypeDataBreach, LevelCritical), "sam")
	require.NoError(t, err)
	assert.Equal(t, StatusDeclared, got.Status)
	assert.Equal(t, "critical", got.Priority)
	require.NotEmpty(t, got.ChangeID)
	assert.Empty(t, got.ActivatedAt)

	linked, err := f.registry.Get(context.Background(), got.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Equal(t, change.CategorySecurityUpdate, linked.Category)
	assert.Equal(t, change.PriorityCritical, linked.Priority)
	assert.Equal(t, "Emergency: "+got.Title, linked.Title)
	assert.Equal(t, change.StateAwaitingApproval, linked.Status,
		"empty battery passes vacuously and the change waits on the emergency workflow")

	wf, err := f.approvals.Get(context.Background(), linked.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, approval.KindEmergency, wf.Kind)
}

func TestCreateValidatesDeclaration(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*EmergencyUpdate)
	}{
		{"missing title", func(e *EmergencyUpdate) { e.Title = "" }},
		{"unknown type", func(e *EmergencyUpdate) { e.Type = "solar-flare" }},
		{"unknown level", func(e *EmergencyUpdate) { e.Level = "apocalyptic" }},
		{"no systems", func(e *EmergencyUpdate) { e.AffectedSystems = nil }},
		{"negative estimate", func(e *EmergencyUpdate) { e.EstimatedMinutes = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newDeclaration(TypeDataBreach, LevelHigh)
			tc.mutate(e)
			_, err := f.responder.Create(context.Background(), e, "sam")
			var verr *change.ValidationError
			require.Error(t, err)
			assert.True(t, errors.As(err, &verr), "want ValidationError, got %v", err)
		})
	}
}

func TestActivateRunsChecklistAndPagesEveryContact(t *testing.T) {
	f := newFixture(t)
	f.runner.failOn["isolate affected systems"] = true

	created, err := f.responder.Create(context.Background(), newDeclaration(TypeDataBreach, LevelCrisis), "sam")
	require.NoError(t, err)

	got, err := f.responder.Activate(context.Background(), created.ID, "sam")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.NotEmpty(t, got.ActivatedAt)

	require.Len(t, got.ImmediateActions, 3, "data-breach checklist has three immediate actions")
	assert.Equal(t, 1, Failed(got.ImmediateActions))
	for _, action := range got.ImmediateActions {
		if action.Name == "isolate affected systems" {
			assert.Equal(t, ActionFailed, action.Status)
			assert.Contains(t, action.Detail, "failed")
		} else {
			assert.Equal(t, ActionOK, action.Status)
		}
	}

	msgs := f.sender.messages()
	require.Len(t, msgs, 3, "every contact is paged even when an action fails")
	contacts := make(map[string]bool, 3)
	for _, msg := range msgs {
		contacts[msg.Contact] = true
		assert.Equal(t, notify.ChannelSMS, msg.Channel)
		assert.Contains(t, msg.Subject, "EMERGENCY ACTIVATED")
	}
	assert.Len(t, contacts, 3)

	history, err := f.registry.History(context.Background(), created.ChangeID, 100, "")
	require.NoError(t, err)
	var actions int
	for _, entry := range history.Entries {
		if entry.Action == change.ActionEmergencyAction {
			actions++
		}
	}
	assert.GreaterOrEqual(t, actions, 2, "declaration and activation both land in the audit trail")
}

func TestActivateRequiresDeclaredPhase(t *testing.T) {
	f := newFixture(t)

	created, err := f.responder.Create(context.Background(), newDeclaration(TypeRansomware, LevelHigh), "sam")
	require.NoError(t, err)

	_, err = f.responder.Activate(context.Background(), created.ID, "sam")
	require.NoError(t, err)

	_, err = f.responder.Activate(context.Background(), created.ID, "sam")
	var perr *PhaseError
	require.Error(t, err)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, change.CodeInvalidTransition, perr.Code())
}

func TestContainmentAdvancesOnlyWhenEveryStepPasses(t *testing.T) {
	f := newFixture(t)
	created, err := f.responder.Create(context.Background(), newDeclaration(TypeRansomware, LevelCritical), "sam")
	require.NoError(t, err)
	_, err = f.responder.Activate(context.Background(), created.ID, "sam")
	require.NoError(t, err)

	f.runner.failOn["verify backup integrity"] = true
	got, err := f.responder.ExecuteContainment(context.Background(), created.ID, "sam")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "partial failure leaves the emergency in its phase")
	require.Len(t, got.ContainmentSteps, 3)
	assert.Equal(t, 1, Failed(got.ContainmentSteps))

	delete(f.runner.failOn, "verify backup integrity")
	got, err = f.responder.ExecuteContainment(context.Background(), created.ID, "sam")
	require.NoError(t, err)
	assert.Equal(t, StatusContained, got.Status)
	assert.Zero(t, Failed(got.ContainmentSteps))
}

func TestRecoveryResolvesFromContainedOnly(t *testing.T) {
	f := newFixture(t)
	created, err := f.responder.Create(context.Background(), newDeclaration(TypeCriticalVulnerability, LevelHigh), "sam")
	require.NoError(t, err)
	_, err = f.responder.Activate(context.Background(), created.ID, "sam")
	require.NoError(t, err)

	// Recovery is never auto-chained: it refuses to run before containment.
	_, err = f.responder.ExecuteRecovery(context.Background(), created.ID, "sam")
	var perr *PhaseError
	require.Error(t, err)
	require.True(t, errors.As(err, &perr))

	_, err = f.responder.ExecuteContainment(context.Background(), created.ID, "sam")
	require.NoError(t, err)

	got, err := f.responder.ExecuteRecovery(context.Background(), created.ID, "sam")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.NotEmpty(t, got.ResolvedAt)
	assert.Len(t, got.RecoverySteps, 2)
}

func TestChecklistsCoverEveryType(t *testing.T) {
	for _, typ := range []Type{TypeDataBreach, TypeCriticalVulnerability, TypeRansomware, TypeOther} {
		assert.NotEmpty(t, ImmediateChecklist(typ), "immediate checklist for %s", typ)
		assert.NotEmpty(t, ContainmentChecklist(typ), "containment checklist for %s", typ)
		assert.NotEmpty(t, RecoveryChecklist(typ), "recovery checklist for %s", typ)
	}
	assert.Equal(t, ImmediateChecklist(TypeOther), ImmediateChecklist(Type("unclassified")),
		"unknown types fall back to the generic checklist")
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)

	first, err := f.responder.Create(context.Background(), newDeclaration(TypeDataBreach, LevelHigh), "sam")
	require.NoError(t, err)
	second := newDeclaration(TypeOther, LevelLow)
	second.Title = "expired intermediate certificate on internal CA"
	_, err = f.responder.Create(context.Background(), second, "sam")
	require.NoError(t, err)

	_, err = f.responder.Activate(context.Background(), first.ID, "sam")
	require.NoError(t, err)

	active, err := f.responder.List(context.Background(), StatusActive, "", 10, "")
	require.NoError(t, err)
	require.Len(t, active.Emergencies, 1)
	assert.Equal(t, first.ID, active.Emergencies[0].ID)

	all, err := f.responder.List(context.Background(), "", "", 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalSize)
}
