package change

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/changegate/changegate/pkg/metrics"
)

// Registry is the sole owner of security change state. Every status
// mutation flows through Transition, which validates the event against the
// lifecycle machine and appends the audit entry in the same transaction.
type Registry struct {
	db      *gorm.DB
	store   *Store
	audit   *AuditStore
	machine *Machine
	logger  *slog.Logger
}

// NewRegistry creates a Registry over the given database handle.
func NewRegistry(db *gorm.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:      db,
		store:   NewStore(db),
		audit:   NewAuditStore(db),
		machine: NewMachine(),
		logger:  logger,
	}
}

// Store exposes the underlying change store for read paths.
func (r *Registry) Store() *Store { return r.store }

// Audit exposes the underlying audit store for read and retention paths.
func (r *Registry) Audit() *AuditStore { return r.audit }

// Migrate creates or updates the registry tables.
func (r *Registry) Migrate() error {
	return r.store.AutoMigrate()
}

// Create validates and persists a new change in PENDING, appending the
// creation audit entry. Malformed submissions are rejected before any state
// is created.
func (r *Registry) Create(ctx context.Context, c *SecurityChange, actor string) (*SecurityChange, error) {
	if err := ValidateSubmission(c); err != nil {
		return nil, err
	}
	record := FromAPI(c)
	record.Status = string(StatePending)
	if record.CreatedBy == "" {
		record.CreatedBy = actor
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := NewStore(tx).Create(ctx, record); err != nil {
			return err
		}
		return r.audit.AppendInTx(tx, &AuditEntryRecord{
			ChangeID: record.ID,
			Actor:    actor,
			Action:   ActionCreated,
			ToState:  string(StatePending),
			Reason:   "change submitted",
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ChangeCreated(record.Category)
	r.logger.Info("change created",
		"changeId", record.ID,
		"category", record.Category,
		"priority", record.Priority,
		"systems", len(record.AffectedSystems),
		"createdBy", record.CreatedBy,
	)
	return record.ToAPI(), nil
}

// Get retrieves a change by ID, failing with *NotFoundError when unknown.
func (r *Registry) Get(ctx context.Context, id string) (*SecurityChange, error) {
	record, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &NotFoundError{Kind: "change", ID: id}
	}
	return record.ToAPI(), nil
}

// List returns a filtered page of changes, newest first.
func (r *Registry) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) (*ChangeList, error) {
	records, nextToken, total, err := r.store.List(ctx, filter, pageSize, pageToken)
	if err != nil {
		return nil, err
	}
	items := make([]SecurityChange, 0, len(records))
	for i := range records {
		items = append(items, *records[i].ToAPI())
	}
	return &ChangeList{Items: items, NextPageToken: nextToken, TotalSize: total}, nil
}

// Transition applies a lifecycle event to a change. The status update and
// its audit entry commit atomically; the guarded update loses to any
// concurrent writer, in which case the caller sees an invalid transition
// against the fresh state.
func (r *Registry) Transition(ctx context.Context, id string, event Event, actor, reason string) (*SecurityChange, error) {
	var record *SecurityChangeRecord
	var fromState State

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := NewStore(tx)
		var err error
		record, err = txStore.Get(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return &NotFoundError{Kind: "change", ID: id}
		}

		from := State(record.Status)
		fromState = from
		to, err := r.machine.Next(from, event)
		if err != nil {
			return err
		}

		updated, err := txStore.UpdateStatus(ctx, id, from, to)
		if err != nil {
			return err
		}
		if !updated {
			return &TransitionError{
				ErrCode: CodeInvalidTransition,
				From:    from,
				Event:   event,
				Message: fmt.Sprintf("change %s was transitioned concurrently", id),
			}
		}

		if err := r.audit.AppendInTx(tx, &AuditEntryRecord{
			ChangeID:  id,
			Actor:     actor,
			Action:    ActionTransitioned,
			FromState: string(from),
			ToState:   string(to),
			Reason:    reason,
		}); err != nil {
			return err
		}

		record.Status = string(to)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Transition(string(fromState), record.Status)
	r.logger.Info("change transitioned",
		"changeId", id,
		"event", string(event),
		"from", string(fromState),
		"to", record.Status,
		"actor", actor,
	)
	return record.ToAPI(), nil
}

// Cancel cancels a change in any non-terminal state. Cancellation during
// DEPLOYING or ROLLING_BACK is rejected: half-executed deploy and rollback
// steps must run to completion before any further action.
func (r *Registry) Cancel(ctx context.Context, id, actor, reason string) (*SecurityChange, error) {
	return r.Transition(ctx, id, EventCancel, actor, reason)
}

// Append records a non-transition audit entry for a change. Components
// report their outcomes through here so the registry trail stays the single
// source of truth.
func (r *Registry) Append(ctx context.Context, changeID, actor, action, reason string, detail map[string]any) error {
	record, err := r.store.Get(ctx, changeID)
	if err != nil {
		return err
	}
	if record == nil {
		return &NotFoundError{Kind: "change", ID: changeID}
	}
	return r.audit.Append(ctx, &AuditEntryRecord{
		ChangeID: changeID,
		Actor:    actor,
		Action:   action,
		Reason:   reason,
		Detail:   detail,
	})
}

// History returns the audit trail for one change in Seq order.
func (r *Registry) History(ctx context.Context, changeID string, pageSize int, pageToken string) (*AuditEntryList, error) {
	records, nextToken, total, err := r.audit.ListByChange(ctx, changeID, pageSize, pageToken)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(records))
	for i := range records {
		entries = append(entries, records[i].ToAPI())
	}
	return &AuditEntryList{Entries: entries, NextPageToken: nextToken, TotalSize: total}, nil
}

// SetWorkflowID links an approval workflow to a change.
func (r *Registry) SetWorkflowID(ctx context.Context, changeID, workflowID string) error {
	return r.store.SetWorkflowID(ctx, changeID, workflowID)
}

// SetRollbackID links a rollback procedure to a change.
func (r *Registry) SetRollbackID(ctx context.Context, changeID, rollbackID string) error {
	return r.store.SetRollbackID(ctx, changeID, rollbackID)
}
