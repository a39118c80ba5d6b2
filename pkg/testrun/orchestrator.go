package testrun

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/changegate/changegate/pkg/change"
	"github.com/changegate/changegate/pkg/metrics"
)

// OrchestratorConfig holds test orchestrator settings.
type OrchestratorConfig struct {
	// CaseTimeout bounds each individual test case.
	CaseTimeout time.Duration
	// Parallelism caps concurrently running cases.
	Parallelism int
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CaseTimeout: 2 * time.Minute,
		Parallelism: 4,
	}
}

// Orchestrator assembles and runs the test battery for a change, persisting
// every result. It owns no lifecycle decisions: the caller turns the
// aggregate verdict into a registry transition.
type Orchestrator struct {
	runner Runner
	store  *ResultStore
	cfg    OrchestratorConfig
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(runner Runner, store *ResultStore, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = DefaultOrchestratorConfig().CaseTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultOrchestratorConfig().Parallelism
	}
	return &Orchestrator{runner: runner, store: store, cfg: cfg, logger: logger}
}

// Run executes the battery for a change. Individual case failures and
// timeouts are captured as results, never returned as errors; only an
// unreachable test rig escalates, as *InfraError.
func (o *Orchestrator) Run(ctx context.Context, c *change.SecurityChange) (*BatteryResult, error) {
	specs := AssembleBattery(c)
	if len(specs) > 0 && o.runner == nil {
		return nil, &InfraError{Message: "no test runner configured"}
	}

	records := make([]TestResultRecord, len(specs))
	var infraFailure error
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			caseCtx, cancel := context.WithTimeout(gctx, o.cfg.CaseTimeout)
			defer cancel()

			start := time.Now()
			out, err := o.runner.Execute(caseCtx, spec, spec.Target)
			elapsed := time.Since(start)

			record := TestResultRecord{
				ChangeID:       c.ID,
				Name:           spec.Name,
				Category:       string(spec.Category),
				Expected:       spec.Expected,
				DurationMillis: elapsed.Milliseconds(),
			}
			switch {
			case err != nil && errors.Is(err, ErrInfrastructure):
				mu.Lock()
				infraFailure = err
				mu.Unlock()
				record.Verdict = string(VerdictError)
				record.ErrorDetail = err.Error()
			case err != nil && errors.Is(err, context.DeadlineExceeded):
				// A timeout is recorded as an error verdict, never dropped.
				record.Verdict = string(VerdictError)
				record.ErrorDetail = "test case timed out after " + o.cfg.CaseTimeout.String()
			case err != nil:
				record.Verdict = string(VerdictError)
				record.ErrorDetail = err.Error()
			default:
				record.Verdict = string(out.Verdict)
				record.Actual = out.Actual
				record.Output = out.Output
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if infraFailure != nil {
		o.logger.Error("test battery could not run", "changeId", c.ID, "error", infraFailure)
		return nil, &InfraError{Message: infraFailure.Error()}
	}

	if err := o.store.CreateBatch(ctx, records); err != nil {
		return nil, err
	}

	result := &BatteryResult{ChangeID: c.ID, Overall: aggregate(records)}
	result.Results = make([]TestResult, 0, len(records))
	for i := range records {
		result.Results = append(result.Results, records[i].ToAPI())
	}

	metrics.BatteryCompleted(string(result.Overall))
	counts := result.Counts()
	o.logger.Info("test battery completed",
		"changeId", c.ID,
		"overall", string(result.Overall),
		"passed", counts[VerdictPassed],
		"failed", counts[VerdictFailed],
		"skipped", counts[VerdictSkipped],
		"errors", counts[VerdictError],
	)
	return result, nil
}

// Results returns every persisted result for a change.
func (o *Orchestrator) Results(ctx context.Context, changeID string) ([]TestResult, error) {
	records, err := o.store.ListByChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	out := make([]TestResult, 0, len(records))
	for i := range records {
		out = append(out, records[i].ToAPI())
	}
	return out, nil
}

// aggregate applies the battery rule: passed iff every non-skipped case
// passed; any failed or error case fails the battery; skips never count.
func aggregate(records []TestResultRecord) Verdict {
	for _, r := range records {
		switch Verdict(r.Verdict) {
		case VerdictFailed, VerdictError:
			return VerdictFailed
		}
	}
	return VerdictPassed
}
