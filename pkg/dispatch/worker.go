package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSuperseded signals that an item's change has already left the state the
// operation expects. The worker marks such items canceled instead of failed.
var ErrSuperseded = errors.New("work item superseded by change state")

// Handler executes a claimed work item. It is satisfied by engine.Pipeline
// but avoids a circular dependency.
type Handler interface {
	Execute(ctx context.Context, item *WorkItem) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item *WorkItem) error

func (f HandlerFunc) Execute(ctx context.Context, item *WorkItem) error { return f(ctx, item) }

// WorkerPool processes due work items using a pool of goroutines.
type WorkerPool struct {
	queue   *Queue
	handler Handler
	cfg     *Config
	logger  *slog.Logger
	node    string
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. The node name identifies this
// process in lease ownership; when empty the hostname is used.
func NewWorkerPool(queue *Queue, handler Handler, cfg *Config, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	node, err := os.Hostname()
	if err != nil || node == "" {
		node = uuid.NewString()
	}
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		node:    node,
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines, each
// polling for due items, plus a lease recovery goroutine. It blocks until
// the context is cancelled, then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.queue == nil || !wp.cfg.Enabled {
		wp.logger.Info("dispatch worker pool disabled")
		return
	}

	wp.logger.Info("dispatch worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxAttempts", wp.cfg.MaxAttempts,
		"pollInterval", wp.cfg.PollInterval.String(),
		"node", wp.node)

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.recoveryLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("dispatch worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("dispatch worker pool stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Info("dispatch worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Info("dispatch worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			// Drain all currently due items before sleeping again.
			for wp.ProcessOne(ctx, workerID) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// ProcessOne tries to claim and process a single item. It reports whether an
// item was claimed.
func (wp *WorkerPool) ProcessOne(ctx context.Context, workerID int) bool {
	owner := fmt.Sprintf("%s/%d", wp.node, workerID)
	item, err := wp.queue.Claim(ctx, owner, wp.cfg.LeaseFor)
	if err != nil {
		wp.logger.Error("failed to claim work item", "workerID", workerID, "error", err)
		return false
	}
	if item == nil {
		return false
	}

	wp.logger.Info("processing work item",
		"workerID", workerID,
		"itemID", item.ID,
		"kind", item.Kind,
		"changeID", item.ChangeID,
		"attempt", item.Attempts)

	err = wp.handler.Execute(ctx, item)
	switch {
	case err == nil:
		if err := wp.queue.Complete(ctx, item.ID); err != nil {
			wp.logger.Error("failed to mark item complete", "itemID", item.ID, "error", err)
		}
	case errors.Is(err, ErrSuperseded):
		wp.logger.Info("work item superseded",
			"workerID", workerID,
			"itemID", item.ID,
			"changeID", item.ChangeID,
			"reason", err.Error())
		if err := wp.queue.CancelItem(ctx, item.ID, err.Error()); err != nil {
			wp.logger.Error("failed to mark item canceled", "itemID", item.ID, "error", err)
		}
	default:
		wp.logger.Error("work item failed",
			"workerID", workerID,
			"itemID", item.ID,
			"changeID", item.ChangeID,
			"error", err)
		if failErr := wp.queue.Fail(ctx, item.ID, err.Error(), wp.cfg.RetryDelay); failErr != nil {
			wp.logger.Error("failed to mark item failed", "itemID", item.ID, "error", failErr)
		}
	}
	return true
}

// recoveryLoop periodically re-queues items whose lease expired.
func (wp *WorkerPool) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(wp.cfg.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := wp.queue.Recover(ctx)
			if err != nil {
				wp.logger.Error("failed to recover expired leases", "error", err)
			} else if recovered > 0 {
				wp.logger.Info("recovered expired work item leases", "count", recovered)
			}
		}
	}
}
