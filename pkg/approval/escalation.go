package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/changegate/changegate/pkg/notify"
)

// EscalationHooks lets the pipeline react when the worker changes a
// workflow behind the approvers' backs.
type EscalationHooks interface {
	WorkflowEscalated(ctx context.Context, record *WorkflowRecord)
	WorkflowExpired(ctx context.Context, record *WorkflowRecord)
}

// EscalationWorker sweeps overdue workflows. The first deadline breach
// escalates: contacts are notified and the deadline is extended by the
// policy's grace window, exactly once. A breach of the extended deadline
// expires the workflow.
type EscalationWorker struct {
	store    *WorkflowStore
	policies *PolicySource
	fanout   *notify.Fanout
	hooks    EscalationHooks
	interval time.Duration
	logger   *slog.Logger
}

func NewEscalationWorker(store *WorkflowStore, policies *PolicySource, fanout *notify.Fanout, hooks EscalationHooks, interval time.Duration, logger *slog.Logger) *EscalationWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalationWorker{
		store:    store,
		policies: policies,
		fanout:   fanout,
		hooks:    hooks,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (w *EscalationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("escalation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep processes every overdue workflow once.
func (w *EscalationWorker) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	overdue, err := w.store.ListOverdue(ctx, now)
	if err != nil {
		return err
	}
	for i := range overdue {
		record := &overdue[i]
		if !record.GraceUsed {
			w.escalate(ctx, record, now)
		} else {
			w.expire(ctx, record)
		}
	}
	return nil
}

func (w *EscalationWorker) escalate(ctx context.Context, record *WorkflowRecord, now time.Time) {
	grace := w.policies.Current().Grace()
	extended := now.Add(grace)
	won, err := w.store.MarkEscalated(ctx, record.ID, extended)
	if err != nil {
		w.logger.Error("escalate workflow failed",
			slog.String("workflowID", record.ID),
			slog.String("error", err.Error()))
		return
	}
	if !won {
		return
	}
	w.logger.Warn("approval workflow escalated",
		slog.String("workflowID", record.ID),
		slog.String("changeID", record.ChangeID),
		slog.String("stage", record.CurrentStage),
		slog.Time("extendedDeadline", extended))
	if w.fanout != nil && len(record.EscalationContacts) > 0 {
		subject := fmt.Sprintf("approval overdue for change %s", record.ChangeID)
		body := fmt.Sprintf("workflow %s is waiting at stage %s; decisions are due by %s",
			record.ID, record.CurrentStage, extended.Format(time.RFC3339))
		w.fanout.Broadcast(ctx, record.EscalationContacts, notify.ChannelChat, subject, body)
	}
	if w.hooks != nil {
		w.hooks.WorkflowEscalated(ctx, record)
	}
}

func (w *EscalationWorker) expire(ctx context.Context, record *WorkflowRecord) {
	won, err := w.store.SetStatus(ctx, record.ID, StatusExpired, StatusInProgress, StatusEscalated)
	if err != nil {
		w.logger.Error("expire workflow failed",
			slog.String("workflowID", record.ID),
			slog.String("error", err.Error()))
		return
	}
	if !won {
		return
	}
	w.logger.Warn("approval workflow expired",
		slog.String("workflowID", record.ID),
		slog.String("changeID", record.ChangeID),
		slog.String("stage", record.CurrentStage))
	if w.hooks != nil {
		w.hooks.WorkflowExpired(ctx, record)
	}
}
