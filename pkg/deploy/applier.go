package deploy

import (
	"context"
	"fmt"

	"github.com/changegate/changegate/pkg/change"
)

// ApplyResult is the outcome of applying a change to one system.
type ApplyResult struct {
	Success bool
	Log     string
}

// Applier pushes a change onto one target system. A returned error and a
// failed ApplyResult are treated the same way: the deploy fails and the
// automatic rollback runs.
type Applier interface {
	Apply(ctx context.Context, c *change.SecurityChange, target string) (ApplyResult, error)
}

// FuncApplier adapts a function to the Applier interface.
type FuncApplier func(ctx context.Context, c *change.SecurityChange, target string) (ApplyResult, error)

func (f FuncApplier) Apply(ctx context.Context, c *change.SecurityChange, target string) (ApplyResult, error) {
	return f(ctx, c, target)
}

// StaticApplier succeeds everywhere unless a per-system override says
// otherwise. Development and test backend.
type StaticApplier struct {
	Default   ApplyResult
	Overrides map[string]ApplyResult
	Err       error
}

func NewStaticApplier() *StaticApplier {
	return &StaticApplier{Default: ApplyResult{Success: true}}
}

func (a *StaticApplier) Apply(_ context.Context, c *change.SecurityChange, target string) (ApplyResult, error) {
	if a.Err != nil {
		return ApplyResult{}, a.Err
	}
	if res, ok := a.Overrides[target]; ok {
		return res, nil
	}
	res := a.Default
	if res.Log == "" {
		res.Log = fmt.Sprintf("applied %s to %s", c.ID, target)
	}
	return res, nil
}
