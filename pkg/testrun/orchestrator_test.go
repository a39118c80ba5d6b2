package testrun

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

	"github.com/changegate/changegate/pkg/change"
)

// newTestDB creates an in-memory SQLite DB with the test result table migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewResultStore(db).AutoMigrate())
	return db
}

func certChange() *change.SecurityChange {
	return &change.SecurityChange{
		ID:              "chg-cert",
		Title:           "rotate wildcard cert",
		Category:        change.CategoryCertificate,
		AffectedSystems: []string{"edge-1"},
		TestingRequired: true,
	}
}

func TestAssembleBattery(t *testing.T) {
	specs := AssembleBattery(certChange())
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
		assert.Equal(t, "edge-1", s.Target)
	}
	// Core security cases plus the certificate-specific ones.
	assert.Contains(t, names, "vulnerability-scan")
	assert.Contains(t, names, "tls-handshake")
	assert.Contains(t, names, "cert-chain-validation")

	// Testing not required means an empty battery.
	c := certChange()
	c.TestingRequired = false
	assert.Empty(t, AssembleBattery(c))

	// Dependency changes run compatibility cases instead.
	c = certChange()
	c.Category = change.CategoryDependency
	var cats []Category
	for _, s := range AssembleBattery(c) {
		cats = append(cats, s.Category)
	}
	assert.Contains(t, cats, CategoryCompatibility)
}

func TestOrchestrator_RunAllPass(t *testing.T) {
	store := NewResultStore(newTestDB(t))
	o := NewOrchestrator(NewStaticRunner(), store, OrchestratorConfig{}, nil)

	result, err := o.Run(context.Background(), certChange())
	require.NoError(t, err)
	assert.Equal(t, VerdictPassed, result.Overall)
	assert.Len(t, result.Results, 5)

	// Results are persisted and retrievable.
	persisted, err := o.Results(context.Background(), "chg-cert")
	require.NoError(t, err)
	assert.Len(t, persisted, 5)
	for _, r := range persisted {
		assert.Equal(t, VerdictPassed, r.Verdict)
		assert.Equal(t, "chg-cert", r.ChangeID)
	}
}

func TestOrchestrator_SingleFailureFailsBattery(t *testing.T) {
	runner := NewStaticRunner()
	runner.Overrides = map[string]Outcome{
		"tls-handshake": {Verdict: VerdictFailed, Actual: "handshake rejected: unknown CA"},
	}
	o := NewOrchestrator(runner, NewResultStore(newTestDB(t)), OrchestratorConfig{}, nil)

	result, err := o.Run(context.Background(), certChange())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, result.Overall)

	counts := result.Counts()
	assert.Equal(t, 1, counts[VerdictFailed])
	assert.Equal(t, 4, counts[VerdictPassed])
}

func TestOrchestrator_SkippedNeverAffectsVerdict(t *testing.T) {
	runner := NewStaticRunner()
	runner.Overrides = map[string]Outcome{
		"cert-expiry-window": {Verdict: VerdictSkipped, Output: "renewal horizon feature-gated"},
	}
	o := NewOrchestrator(runner, NewResultStore(newTestDB(t)), OrchestratorConfig{}, nil)

	result, err := o.Run(context.Background(), certChange())
	require.NoError(t, err)
	assert.Equal(t, VerdictPassed, result.Overall)
	assert.Equal(t, 1, result.Counts()[VerdictSkipped])
}

// slowRunner never returns before the case timeout.
type slowRunner struct{}

func (slowRunner) Execute(ctx context.Context, spec TestSpec, target string) (Outcome, error) {
	<-ctx.Done()
	return Outcome{}, ctx.Err()
}

func TestOrchestrator_TimeoutRecordedAsError(t *testing.T) {
	o := NewOrchestrator(slowRunner{}, NewResultStore(newTestDB(t)), OrchestratorConfig{
		CaseTimeout: 20 * time.Millisecond,
	}, nil)

	result, err := o.Run(context.Background(), certChange())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, result.Overall)
	for _, r := range result.Results {
		assert.Equal(t, VerdictError, r.Verdict)
		assert.Contains(t, r.ErrorDetail, "timed out")
	}
}

func TestOrchestrator_UnreachableRigEscalates(t *testing.T) {
	runner := NewStaticRunner()
	runner.Unreachable = true
	store := NewResultStore(newTestDB(t))
	o := NewOrchestrator(runner, store, OrchestratorConfig{}, nil)

	_, err := o.Run(context.Background(), certChange())
	require.Error(t, err)
	var infra *InfraError
	require.True(t, errors.As(err, &infra))
	assert.Equal(t, change.CodeTestInfrastructure, infra.Code())

	// Nothing is persisted for a battery that never ran.
	persisted, err := store.ListByChange(context.Background(), "chg-cert")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestOrchestrator_EmptyBatteryIsVacuousPass(t *testing.T) {
	c := certChange()
	c.TestingRequired = false
	o := NewOrchestrator(nil, NewResultStore(newTestDB(t)), OrchestratorConfig{}, nil)

	result, err := o.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, VerdictPassed, result.Overall)
	assert.Empty(t, result.Results)
}
