package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/changegate/changegate/pkg/backup"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/metrics"
)

// ProcedureError reports a rollback that ran and failed. The change is
// left in ROLLBACK_FAILED; recovery is an operator decision, never an
// automatic retry.
type ProcedureError struct {
	ChangeID string
	Message  string
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("rollback of change %s failed: %s", e.ChangeID, e.Message)
}

func (e *ProcedureError) Code() string { return change.CodeRollbackFailed }

// Config bounds the manager's per-step work.
type Config struct {
	StepTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{StepTimeout: 2 * time.Minute}
}

// Manager restores pre-deploy state from the latest snapshot. Steps run
// strictly sequentially per system: stop services, restore files, start
// services; then health and checksum verifications. The procedure is
// completed only when every verification passes.
type Manager struct {
	registry    *change.Registry
	snapshotter *backup.Snapshotter
	restorer    Restorer
	collector   backup.Collector
	store       *ProcedureStore
	cfg         Config
	logger      *slog.Logger
}

// NewManager wires a rollback manager. collector is optional; without it
// the checksum verification is recorded as skipped.
func NewManager(registry *change.Registry, snapshotter *backup.Snapshotter, restorer Restorer, collector backup.Collector, store *ProcedureStore, cfg Config, logger *slog.Logger) *Manager {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:    registry,
		snapshotter: snapshotter,
		restorer:    restorer,
		collector:   collector,
		store:       store,
		cfg:         cfg,
		logger:      logger,
	}
}

// Store exposes the procedure store for read paths.
func (m *Manager) Store() *ProcedureStore { return m.store }

// Rollback restores the change's systems from the latest snapshot.
// Idempotent on success: re-invoking on an already rolled back change
// returns the prior procedure without touching any system.
func (m *Manager) Rollback(ctx context.Context, changeID, actor string) (*Procedure, error) {
	c, err := m.registry.Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status == change.StateRolledBack {
		prior, err := m.store.Latest(ctx, changeID)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			return nil, fmt.Errorf("change %s is rolled back but has no recorded procedure", changeID)
		}
		return prior.ToAPI(), nil
	}

	snapRecord, err := m.snapshotter.Store().Latest(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if snapRecord == nil {
		return nil, &backup.NoBackupError{ChangeID: changeID, Message: "no snapshot recorded"}
	}

	// The guarded transition is the concurrency gate: only one caller
	// enters ROLLING_BACK.
	if _, err := m.registry.Transition(ctx, changeID, change.EventBeginRollback, actor, "restoring pre-deploy state"); err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	record, err := m.store.Create(ctx, &ProcedureRecord{
		ChangeID:       changeID,
		Status:         string(StatusInProgress),
		SnapshotID:     snapRecord.ID,
		BackupLocation: snapRecord.Location,
		StartedAt:      &started,
	})
	if err != nil {
		return nil, err
	}
	if err := m.registry.SetRollbackID(ctx, changeID, record.ID); err != nil {
		return nil, err
	}

	archive, verifyStep := m.verifySnapshot(ctx, snapRecord)
	record.Steps = append(record.Steps, verifyStep)
	m.auditStep(ctx, changeID, actor, verifyStep)
	if verifyStep.Status != StepOK {
		return m.fail(ctx, record, actor, verifyStep.Detail)
	}

	for _, system := range snapRecord.Systems {
		steps, ok := m.restoreSystem(ctx, record.ChangeID, actor, system, archive[system])
		record.Steps = append(record.Steps, steps...)
		if !ok {
			last := steps[len(steps)-1]
			return m.fail(ctx, record, actor, fmt.Sprintf("%s on %s: %s", last.Name, system, last.Detail))
		}
	}

	for _, system := range snapRecord.Systems {
		checks, ok := m.verifySystem(ctx, record.ChangeID, actor, system, &snapRecord.Manifest)
		record.Verifications = append(record.Verifications, checks...)
		if !ok {
			last := checks[len(checks)-1]
			return m.fail(ctx, record, actor, fmt.Sprintf("%s on %s: %s", last.Name, system, last.Detail))
		}
	}

	completed := time.Now().UTC()
	record.Status = string(StatusCompleted)
	record.CompletedAt = &completed
	record.DurationMillis = completed.Sub(started).Milliseconds()
	if err := m.store.Finish(ctx, record); err != nil {
		return nil, err
	}
	if _, err := m.registry.Transition(ctx, changeID, change.EventRollbackSucceeded, actor, "all systems restored and verified"); err != nil {
		return nil, err
	}
	metrics.RollbackCompleted(string(StatusCompleted))
	m.logger.Info("rollback completed",
		slog.String("changeID", changeID),
		slog.String("procedureID", record.ID),
		slog.Int64("durationMillis", record.DurationMillis))
	return record.ToAPI(), nil
}

// fail records the terminal failure, moves the change to ROLLBACK_FAILED
// and returns the procedure together with a coded error.
func (m *Manager) fail(ctx context.Context, record *ProcedureRecord, actor, message string) (*Procedure, error) {
	completed := time.Now().UTC()
	record.Status = string(StatusFailed)
	record.ErrorMessage = message
	record.CompletedAt = &completed
	if record.StartedAt != nil {
		record.DurationMillis = completed.Sub(*record.StartedAt).Milliseconds()
	}
	if err := m.store.Finish(ctx, record); err != nil {
		m.logger.Error("persist failed rollback procedure",
			slog.String("procedureID", record.ID),
			slog.String("error", err.Error()))
	}
	if _, err := m.registry.Transition(ctx, record.ChangeID, change.EventRollbackFailed, actor, message); err != nil {
		m.logger.Error("transition to rollback failed state",
			slog.String("changeID", record.ChangeID),
			slog.String("error", err.Error()))
	}
	metrics.RollbackCompleted(string(StatusFailed))
	m.logger.Error("rollback failed",
		slog.String("changeID", record.ChangeID),
		slog.String("procedureID", record.ID),
		slog.String("reason", message))
	return record.ToAPI(), &ProcedureError{ChangeID: record.ChangeID, Message: message}
}

// verifySnapshot loads the snapshot payload and checks it against its
// manifest before any system is touched.
func (m *Manager) verifySnapshot(ctx context.Context, snapRecord *backup.SnapshotRecord) (backup.Archive, StepResult) {
	start := time.Now()
	_, archive, err := m.snapshotter.Open(ctx, snapRecord.ID)
	step := StepResult{Name: StepVerifySnapshot, Millis: time.Since(start).Milliseconds()}
	if err != nil {
		step.Status = StepFailed
		step.Detail = err.Error()
		return nil, step
	}
	step.Status = StepOK
	return archive, step
}

func (m *Manager) restoreSystem(ctx context.Context, changeID, actor, system string, files map[string][]byte) ([]StepResult, bool) {
	var steps []StepResult
	run := func(name string, fn func(context.Context) error) bool {
		stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
		defer cancel()
		start := time.Now()
		err := fn(stepCtx)
		step := StepResult{Name: name, System: system, Millis: time.Since(start).Milliseconds()}
		if err != nil {
			step.Status = StepFailed
			step.Detail = err.Error()
		} else {
			step.Status = StepOK
		}
		steps = append(steps, step)
		m.auditStep(ctx, changeID, actor, step)
		return err == nil
	}

	if !run(StepStopServices, func(c context.Context) error {
		return m.restorer.StopServices(c, system, nil)
	}) {
		return steps, false
	}
	if !run(StepRestoreFiles, func(c context.Context) error {
		return m.restorer.Restore(c, system, files)
	}) {
		return steps, false
	}
	if !run(StepStartServices, func(c context.Context) error {
		return m.restorer.StartServices(c, system, nil)
	}) {
		return steps, false
	}
	return steps, true
}

func (m *Manager) verifySystem(ctx context.Context, changeID, actor, system string, manifest *backup.Manifest) ([]StepResult, bool) {
	var checks []StepResult

	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	start := time.Now()
	err := m.restorer.HealthCheck(stepCtx, system)
	cancel()
	health := StepResult{Name: StepHealthCheck, System: system, Millis: time.Since(start).Milliseconds()}
	if err != nil {
		health.Status = StepFailed
		health.Detail = err.Error()
		checks = append(checks, health)
		m.auditStep(ctx, changeID, actor, health)
		return checks, false
	}
	health.Status = StepOK
	checks = append(checks, health)
	m.auditStep(ctx, changeID, actor, health)

	checksum := m.compareChecksums(ctx, system, manifest)
	checks = append(checks, checksum)
	m.auditStep(ctx, changeID, actor, checksum)
	return checks, checksum.Status != StepFailed
}

// compareChecksums re-collects the system and compares its digests with
// the snapshot manifest. Without a collector the check is skipped, which
// never fails the procedure.
func (m *Manager) compareChecksums(ctx context.Context, system string, manifest *backup.Manifest) StepResult {
	step := StepResult{Name: StepChecksumCompare, System: system}
	if m.collector == nil {
		step.Status = StepSkipped
		step.Detail = "no collector configured"
		return step
	}
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	defer cancel()
	start := time.Now()
	state, err := m.collector.Collect(stepCtx, system)
	step.Millis = time.Since(start).Milliseconds()
	if err != nil {
		step.Status = StepFailed
		step.Detail = err.Error()
		return step
	}

	expected := map[string]string{}
	prefix := system + "/"
	for _, f := range manifest.Files {
		if strings.HasPrefix(f.Path, prefix) {
			expected[f.Path] = f.SHA256
		}
	}
	current := backup.BuildManifest(backup.Archive{system: state})
	if len(current.Files) != len(expected) {
		step.Status = StepFailed
		step.Detail = fmt.Sprintf("restored %d files, snapshot holds %d", len(current.Files), len(expected))
		return step
	}
	for _, f := range current.Files {
		if expected[f.Path] != f.SHA256 {
			step.Status = StepFailed
			step.Detail = fmt.Sprintf("digest mismatch at %s", f.Path)
			return step
		}
	}
	step.Status = StepOK
	return step
}

func (m *Manager) auditStep(ctx context.Context, changeID, actor string, step StepResult) {
	detail := map[string]any{
		"name":   step.Name,
		"status": step.Status,
		"millis": step.Millis,
	}
	if step.System != "" {
		detail["system"] = step.System
	}
	if step.Detail != "" {
		detail["detail"] = step.Detail
	}
	if err := m.registry.Append(ctx, changeID, actor, change.ActionRollbackStep, "", detail); err != nil {
		m.logger.Error("append rollback step audit",
			slog.String("changeID", changeID),
			slog.String("error", err.Error()))
	}
}
