package actions

import (
	"context"
	"fmt"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/hooks"
	"github.com/stackrun/stackrun/pkg/policy"
)

// Action names.
const (
	ActionBuild   = "build"
	ActionDestroy = "destroy"
	ActionDiff    = "diff"
)

// Kind is the part of an action that differs between build, destroy and
// diff. Everything else is shared by Runner.Run.
type Kind interface {
	// Name is the action name used in logs, metrics and history.
	Name() string

	// Direction is the plan traversal direction.
	Direction() engine.Direction

	// RequiresConfirmation reports whether Execute needs Options.Force.
	RequiresConfirmation() bool

	// LocksGraph reports whether the persistent graph is locked and
	// written back around execution.
	LocksGraph() bool

	// Targets selects the stacks of this run from the configuration and
	// the persisted graph.
	Targets(in *TargetInput) ([]*Target, error)

	// Operation returns the step operation for one target.
	Operation(rs *RunState, t *Target) engine.Operation

	// HookPoints returns the pre and post hook points, or empty points
	// when the action runs no hooks.
	HookPoints() (pre, post hooks.Point)

	// PostProcess adjusts the result once execution finished.
	PostProcess(ctx context.Context, rs *RunState, res *Result) error
}

// KindFor returns the Kind with the given name.
func KindFor(name string) (Kind, error) {
	switch name {
	case ActionBuild:
		return Build{}, nil
	case ActionDestroy:
		return Destroy{}, nil
	case ActionDiff:
		return Diff{}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", name)
	}
}

// Build creates or updates every configured stack and destroys stacks that
// were removed from the configuration since the last run.
type Build struct{}

func (Build) Name() string { return ActionBuild }
func (Build) Direction() engine.Direction { return engine.DirectionForward }
func (Build) RequiresConfirmation() bool { return false }
func (Build) LocksGraph() bool { return true }
func (Build) HookPoints() (pre, post hooks.Point) { return hooks.PreBuild, hooks.PostBuild }

func (Build) Targets(in *TargetInput) ([]*Target, error) {
	return forwardTargets(in)
}

func (Build) Operation(rs *RunState, t *Target) engine.Operation {
	if t.Removed() {
		return rs.destroyOperation(t)
	}
	return rs.launchOperation(t)
}

func (Build) PostProcess(_ context.Context, rs *RunState, res *Result) error {
	summary := res.Summary()
	rs.Logger.Info().
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("deleted", summary.Deleted).
		Int("unchanged", summary.Unchanged).
		Msg("Build finished")
	return nil
}

// Destroy tears down every configured and persisted stack, dependents
// first. It only executes with Options.Force.
type Destroy struct{}

func (Destroy) Name() string { return ActionDestroy }
func (Destroy) Direction() engine.Direction { return engine.DirectionReverse }
func (Destroy) RequiresConfirmation() bool { return true }
func (Destroy) LocksGraph() bool { return true }
func (Destroy) HookPoints() (pre, post hooks.Point) { return hooks.PreDestroy, hooks.PostDestroy }

func (Destroy) Targets(in *TargetInput) ([]*Target, error) {
	return teardownTargets(in)
}

func (Destroy) Operation(rs *RunState, t *Target) engine.Operation {
	return rs.destroyOperation(t)
}

func (Destroy) PostProcess(_ context.Context, rs *RunState, res *Result) error {
	rs.Logger.Info().
		Int("deleted", res.Summary().Deleted).
		Msg("Destroy finished")
	return nil
}

// Diff compares every configured stack with its deployed state without
// changing anything.
type Diff struct{}

func (Diff) Name() string { return ActionDiff }
func (Diff) Direction() engine.Direction { return engine.DirectionForward }
func (Diff) RequiresConfirmation() bool { return false }
func (Diff) LocksGraph() bool { return false }
func (Diff) HookPoints() (pre, post hooks.Point) { return "", "" }

func (Diff) Targets(in *TargetInput) ([]*Target, error) {
	return forwardTargets(in)
}

func (Diff) Operation(rs *RunState, t *Target) engine.Operation {
	return rs.diffOperation(t)
}

// PostProcess reports no_changes when every stack matches its deployed
// state. Diff steps always end SKIPPED, so the outcome alone cannot tell.
func (Diff) PostProcess(_ context.Context, _ *RunState, res *Result) error {
	if res.Status != ResultSucceeded && res.Status != ResultNoChanges {
		return nil
	}
	if res.Summary().Changed() {
		res.Status = ResultSucceeded
	} else {
		res.Status = ResultNoChanges
	}
	return nil
}

// policyOperation maps a target to the operation name policies see.
func policyOperation(kind Kind, t *Target) string {
	switch {
	case kind.Name() == ActionDiff:
		return policy.OperationDiff
	case kind.Name() == ActionDestroy || t.Removed():
		return policy.OperationDestroy
	default:
		return policy.OperationLaunch
	}
}
