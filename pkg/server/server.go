package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/changegate/changegate/pkg/approval"
	"github.com/changegate/changegate/pkg/audit"
	"github.com/changegate/changegate/pkg/backup"
	"github.com/changegate/changegate/pkg/cache"
	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/deploy"
	"github.com/changegate/changegate/pkg/dispatch"
	"github.com/changegate/changegate/pkg/emergency"
	"github.com/changegate/changegate/pkg/engine"
	"github.com/changegate/changegate/pkg/ha"
	"github.com/changegate/changegate/pkg/identity"
	"github.com/changegate/changegate/pkg/lock"
	"github.com/changegate/changegate/pkg/notify"
	"github.com/changegate/changegate/pkg/rollback"
	"github.com/changegate/changegate/pkg/testrun"
)

// Server owns the wired component graph and the HTTP listener.
type Server struct {
	cfg    *Config
	logger *slog.Logger
	db     *gorm.DB

	pipeline  *engine.Pipeline
	responder *emergency.Responder
	snapshots *backup.SnapshotStore
	arena     *lock.Arena
	policies  *approval.PolicySource
	queue     *dispatch.Queue

	escalation *approval.EscalationWorker
	retention  *audit.RetentionWorker
	workers    *dispatch.WorkerPool
	elector    *ha.LeaderElector

	caches     *cache.Manager
	identityMW func(http.Handler) http.Handler

	ready   atomic.Bool
	closers []func() error
}

// New wires the full component graph against the given database. It
// migrates the schema (under the migration lock when enabled) and leaves
// the server ready to Run.
func New(cfg *Config, db *gorm.DB, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger, db: db}

	identityMW, err := identity.Middleware(cfg.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring identity middleware: %w", err)
	}
	s.identityMW = identityMW
	s.caches = cache.NewManager(cfg.Cache)

	// Stores.
	registry := change.NewRegistry(db, logger)
	resultStore := testrun.NewResultStore(db)
	workflowStore := approval.NewWorkflowStore(db)
	snapshotStore := backup.NewSnapshotStore(db)
	procedureStore := rollback.NewProcedureStore(db)
	emergencyStore := emergency.NewEmergencyStore(db)
	queue := dispatch.NewQueue(db)
	elector := ha.NewLeaderElector(cfg.HA, db, cfg.HA.Identity, logger)

	if err := s.migrate(registry, resultStore, workflowStore, snapshotStore, procedureStore, emergencyStore, queue, elector); err != nil {
		return nil, err
	}

	// Snapshot payload backend.
	var backend backup.Backend
	if cfg.SnapshotDBPath != "" {
		badger, err := backup.NewBadgerBackend(cfg.SnapshotDBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot backend: %w", err)
		}
		s.closers = append(s.closers, badger.Close)
		backend = badger
	} else {
		logger.Warn("no snapshot database configured, snapshots are held in memory")
		backend = backup.NewMemoryBackend()
	}

	// Lifecycle components.
	collector := backup.NewDirCollector(cfg.StateRoot)
	snapshotter := backup.NewSnapshotter(collector, backend, snapshotStore, logger)
	orchestrator := testrun.NewOrchestrator(testrun.NewStaticRunner(), resultStore, testrun.DefaultOrchestratorConfig(), logger)

	policies, err := approval.NewPolicySource(cfg.PolicyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading approval policy: %w", err)
	}
	approvals := approval.NewEngine(workflowStore, policies, logger)

	restorer := rollback.NewDirRestorer(cfg.StateRoot, logger)
	rollbacks := rollback.NewManager(registry, snapshotter, restorer, collector, procedureStore, rollback.DefaultConfig(), logger)

	arena := lock.NewArena(logger)
	deployer := deploy.NewExecutor(registry, arena, snapshotter, deploy.NewStaticApplier(), rollbacks, deploy.DefaultConfig(), logger)

	var pipelineQueue *dispatch.Queue
	if cfg.Dispatch.Enabled {
		pipelineQueue = queue
	}
	pipeline := engine.NewPipeline(registry, orchestrator, approvals, deployer, rollbacks, pipelineQueue, logger)

	fanout := notify.NewFanout(notify.NewLogSender(logger), logger)
	responder := emergency.NewResponder(emergencyStore, pipeline, fanout, nil, emergency.Config{}, logger)

	s.pipeline = pipeline
	s.responder = responder
	s.snapshots = snapshotStore
	s.arena = arena
	s.policies = policies
	s.queue = queue
	s.elector = elector

	// Background workers. They run on every instance unless leader election
	// is enabled, in which case they follow the lease.
	s.escalation = approval.NewEscalationWorker(workflowStore, policies, fanout, pipeline, cfg.EscalationInterval, logger)
	s.retention = audit.NewRetentionWorker(registry.Audit(), cfg.Audit, logger)
	if cfg.Dispatch.Enabled {
		s.workers = dispatch.NewWorkerPool(queue, pipeline, cfg.Dispatch, logger)
	}

	return s, nil
}

// migrate creates the schema, serialized across instances by the migration
// lock when enabled.
func (s *Server) migrate(
	registry *change.Registry,
	resultStore *testrun.ResultStore,
	workflowStore *approval.WorkflowStore,
	snapshotStore *backup.SnapshotStore,
	procedureStore *rollback.ProcedureStore,
	emergencyStore *emergency.EmergencyStore,
	queue *dispatch.Queue,
	elector *ha.LeaderElector,
) error {
	run := func() error {
		steps := []func() error{
			registry.Migrate,
			resultStore.AutoMigrate,
			workflowStore.AutoMigrate,
			snapshotStore.AutoMigrate,
			procedureStore.AutoMigrate,
			emergencyStore.AutoMigrate,
			queue.AutoMigrate,
			elector.Migrate,
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	}

	locker := ha.NewMigrationLocker(nil)
	if s.cfg.HA.MigrationLockEnabled {
		locker = ha.NewMigrationLocker(s.db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := locker.WithLock(ctx, run); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Pipeline exposes the wired pipeline, mainly for tests.
func (s *Server) Pipeline() *engine.Pipeline { return s.pipeline }

// Responder exposes the wired emergency responder, mainly for tests.
func (s *Server) Responder() *emergency.Responder { return s.responder }

// Run serves HTTP and the background workers until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Pending work items whose lease-holder died before this instance
	// started are put back up for grabs once at boot.
	if recovered, err := s.queue.Recover(ctx); err != nil {
		s.logger.Warn("work queue recovery failed", "error", err)
	} else if recovered > 0 {
		s.logger.Info("recovered abandoned work items", "count", recovered)
	}

	if s.cfg.PolicyPath != "" {
		g.Go(func() error {
			return s.policies.Watch(ctx)
		})
	}

	if s.cfg.HA.LeaderElectionEnabled {
		var leaderCancel context.CancelFunc
		s.elector.OnStartLeading(func(leadCtx context.Context) {
			var wctx context.Context
			wctx, leaderCancel = context.WithCancel(leadCtx)
			go s.runWorkers(wctx)
		})
		s.elector.OnStopLeading(func() {
			if leaderCancel != nil {
				leaderCancel()
			}
		})
		g.Go(func() error {
			s.elector.Run(ctx)
			return nil
		})
	} else {
		g.Go(func() error {
			s.runWorkers(ctx)
			return nil
		})
	}

	g.Go(func() error {
		s.logger.Info("http server listening", "addr", httpSrv.Addr)
		s.ready.Store(true)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWorkers starts the periodic background loops and blocks until ctx is
// cancelled.
func (s *Server) runWorkers(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.escalation.Run(ctx); return nil })
	g.Go(func() error { s.retention.Run(ctx); return nil })
	if s.workers != nil {
		g.Go(func() error { s.workers.Run(ctx); return nil })
	}
	_ = g.Wait()
}

func (s *Server) close() {
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
}
