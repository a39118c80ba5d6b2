package testrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/changegate/changegate/pkg/change"
)

// ErrInfrastructure marks a runner failure where the test target could not
// be reached at all. Runners wrap it so the orchestrator can tell a broken
// test rig apart from a failing test.
var ErrInfrastructure = errors.New("test infrastructure unreachable")

// Runner executes one test case against a target. Implementations wrap the
// concrete scanners and staging environments. A non-nil error means the case
// could not be run; a failing Outcome means it ran and failed.
type Runner interface {
	Execute(ctx context.Context, spec TestSpec, target string) (Outcome, error)
}

// InfraError reports that the battery could not run at all. The engine
// treats it identically to a failed battery.
type InfraError struct {
	Message string `json:"message"`
}

func (e *InfraError) Error() string { return e.Message }

// Code returns the stable taxonomy code.
func (e *InfraError) Code() string { return change.CodeTestInfrastructure }

// StaticRunner is the built-in runner for local deployments and tests. Every
// case resolves to the configured verdict unless an override matches the
// case name.
type StaticRunner struct {
	Default   Verdict
	Overrides map[string]Outcome
	// Unreachable makes every Execute fail with ErrInfrastructure.
	Unreachable bool
}

// NewStaticRunner creates a StaticRunner that passes everything.
func NewStaticRunner() *StaticRunner {
	return &StaticRunner{Default: VerdictPassed}
}

// Execute implements Runner.
func (r *StaticRunner) Execute(ctx context.Context, spec TestSpec, target string) (Outcome, error) {
	if r.Unreachable {
		return Outcome{}, fmt.Errorf("executing %s against %s: %w", spec.Name, target, ErrInfrastructure)
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	default:
	}
	if out, ok := r.Overrides[spec.Name]; ok {
		return out, nil
	}
	return Outcome{
		Verdict: r.Default,
		Actual:  spec.Expected,
		Output:  fmt.Sprintf("static runner: %s on %s", spec.Name, target),
	}, nil
}
