package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/changegate/changegate/pkg/backup"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/lock"
	"github.com/changegate/changegate/pkg/rollback"
)

// SystemResult is the per-system outcome of a deploy.
type SystemResult struct {
	System  string `json:"system"`
	Success bool   `json:"success"`
	Log     string `json:"log,omitempty"`
	Millis  int64  `json:"millis"`
}

// Result is the full outcome of a deploy attempt. When the apply failed,
// Rollback carries the automatic rollback's procedure.
type Result struct {
	Change   *change.SecurityChange `json:"change"`
	Systems  []SystemResult         `json:"systems,omitempty"`
	Snapshot *backup.Snapshot       `json:"snapshot,omitempty"`
	Rollback *rollback.Procedure    `json:"rollback,omitempty"`
}

// Config bounds the executor's per-system apply.
type Config struct {
	ApplyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ApplyTimeout: 5 * time.Minute}
}

// Executor runs approved changes: advisory locks on every affected
// system, snapshot capture, staged apply, and the automatic rollback on
// failure. Locks are held from before the snapshot until the rollback
// finishes, so nothing else touches the systems in between.
type Executor struct {
	registry    *change.Registry
	arena       *lock.Arena
	snapshotter *backup.Snapshotter
	applier     Applier
	rollbacks   *rollback.Manager
	cfg         Config
	logger      *slog.Logger
}

func NewExecutor(registry *change.Registry, arena *lock.Arena, snapshotter *backup.Snapshotter, applier Applier, rollbacks *rollback.Manager, cfg Config, logger *slog.Logger) *Executor {
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultConfig().ApplyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    registry,
		arena:       arena,
		snapshotter: snapshotter,
		applier:     applier,
		rollbacks:   rollbacks,
		cfg:         cfg,
		logger:      logger,
	}
}

// Deploy executes an approved change. A failed apply is not an error at
// this level: the change lands in ROLLED_BACK with the procedure attached
// to the result. Errors mean the contract could not be honored (wrong
// state, no usable snapshot, or a rollback that itself failed).
func (e *Executor) Deploy(ctx context.Context, changeID, actor string) (*Result, error) {
	c, err := e.registry.Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status != change.StateApproved {
		return nil, &change.TransitionError{
			ErrCode: change.CodeInvalidTransition,
			From:    c.Status,
			Event:   change.EventBeginDeploy,
			Message: fmt.Sprintf("change %s is %s, deploy requires %s", changeID, c.Status, change.StateApproved),
		}
	}

	release, err := e.arena.AcquireAll(ctx, c.AffectedSystems, actor, "deploy "+changeID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := e.snapshotter.Capture(ctx, c)
	if err != nil {
		return nil, &backup.NoBackupError{ChangeID: changeID, Message: err.Error()}
	}
	e.auditSnapshot(ctx, changeID, actor, snap)

	c, err = e.registry.Transition(ctx, changeID, change.EventBeginDeploy, actor, "snapshot verified, applying")
	if err != nil {
		return nil, err
	}

	result := &Result{Snapshot: snap}
	failed := ""
	for _, system := range c.AffectedSystems {
		sysResult := e.applyOne(ctx, c, actor, system)
		result.Systems = append(result.Systems, sysResult)
		if !sysResult.Success {
			failed = system
			break
		}
	}

	if failed == "" {
		c, err = e.registry.Transition(ctx, changeID, change.EventDeploySucceeded, actor, "all systems applied")
		if err != nil {
			return nil, err
		}
		result.Change = c
		e.logger.Info("deploy completed",
			slog.String("changeID", changeID),
			slog.Int("systems", len(result.Systems)))
		return result, nil
	}

	if _, err := e.registry.Transition(ctx, changeID, change.EventDeployFailed, actor,
		fmt.Sprintf("apply failed on %s", failed)); err != nil {
		return nil, err
	}
	e.logger.Error("deploy failed, starting automatic rollback",
		slog.String("changeID", changeID),
		slog.String("system", failed))

	// Locks are still held: the rollback restores exactly the state the
	// snapshot captured.
	procedure, rbErr := e.rollbacks.Rollback(ctx, changeID, actor)
	result.Rollback = procedure
	c, getErr := e.registry.Get(ctx, changeID)
	if getErr != nil {
		return nil, getErr
	}
	result.Change = c
	if rbErr != nil {
		return result, rbErr
	}
	return result, nil
}

func (e *Executor) applyOne(ctx context.Context, c *change.SecurityChange, actor, system string) SystemResult {
	applyCtx, cancel := context.WithTimeout(ctx, e.cfg.ApplyTimeout)
	defer cancel()
	start := time.Now()
	res, err := e.applier.Apply(applyCtx, c, system)
	out := SystemResult{
		System:  system,
		Success: err == nil && res.Success,
		Log:     res.Log,
		Millis:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		out.Log = err.Error()
	}
	detail := map[string]any{
		"system":  system,
		"success": out.Success,
		"millis":  out.Millis,
	}
	if out.Log != "" {
		detail["log"] = out.Log
	}
	if auditErr := e.registry.Append(ctx, c.ID, actor, change.ActionDeployApplied, "", detail); auditErr != nil {
		e.logger.Error("append deploy audit",
			slog.String("changeID", c.ID),
			slog.String("error", auditErr.Error()))
	}
	return out
}

func (e *Executor) auditSnapshot(ctx context.Context, changeID, actor string, snap *backup.Snapshot) {
	detail := map[string]any{
		"snapshotId": snap.ID,
		"location":   snap.Location,
		"sizeBytes":  snap.SizeBytes,
	}
	if err := e.registry.Append(ctx, changeID, actor, change.ActionSnapshotCaptured, "", detail); err != nil {
		e.logger.Error("append snapshot audit",
			slog.String("changeID", changeID),
			slog.String("error", err.Error()))
	}
}
