package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/lookups"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

// ChangeAction is what a run did, or would do, to one stack.
type ChangeAction string

// Change actions.
const (
	ChangeCreate ChangeAction = "create"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
	ChangeNone   ChangeAction = "none"
)

// Change describes the effect of a run on one stack.
type Change struct {
	Stack   string       `json:"stack"`
	FQN     string       `json:"fqn"`
	Action  ChangeAction `json:"action"`
	Details []string     `json:"details,omitempty"`
}

// Summary counts changes per action.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Changed reports whether any stack was, or would be, changed.
func (s Summary) Changed() bool {
	return s.Created+s.Updated+s.Deleted > 0
}

// RunState is shared by the step operations of one run.
type RunState struct {
	Action   string
	RunID    string
	Config   *config.Config
	Resolver *lookups.Resolver
	Logger   zerolog.Logger

	log     *telemetry.Logger
	mu      sync.Mutex
	changes map[string]Change
}

func newRunState(action, runID string, cfg *config.Config, resolver *lookups.Resolver, logger *telemetry.Logger) *RunState {
	logger = logger.WithRunID(runID)
	return &RunState{
		Action:   action,
		RunID:    runID,
		Config:   cfg,
		Resolver: resolver,
		Logger:   logger.Zerolog(),
		log:      logger,
		changes:  make(map[string]Change),
	}
}

// stackLogger logs on behalf of one stack of the run.
func (rs *RunState) stackLogger(t *Target) zerolog.Logger {
	return rs.log.WithStack(t.Name).Zerolog()
}

func (rs *RunState) record(t *Target, action ChangeAction, details ...string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.changes[t.Name] = Change{
		Stack:   t.Name,
		FQN:     t.FQN,
		Action:  action,
		Details: details,
	}
}

// Changes returns the recorded changes sorted by stack name.
func (rs *RunState) Changes() []Change {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Change, 0, len(rs.changes))
	for _, c := range rs.changes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stack < out[j].Stack })
	return out
}

// launchOperation creates or updates a configured stack. Parameters are
// resolved when the step first runs, after its dependencies completed. A
// stack whose template, parameters and tags already match is skipped.
func (rs *RunState) launchOperation(t *Target) engine.Operation {
	// Set once Create or Update was requested; only this step's loop
	// touches them.
	var (
		submitted ChangeAction
		details   []string
		before    engine.StackState
	)

	return func(ctx context.Context, rc *engine.RunContext, previous engine.Status) (engine.StepResult, error) {
		state, exists, err := getState(ctx, rc, t)
		if err != nil {
			return engine.StepResult{}, err
		}

		if previous == engine.StatusSubmitted && submitted != "" {
			return rs.waitLaunch(rc, t, state, exists, submitted, &before, details)
		}
		if exists && rc.Provider.IsInProgress(state) {
			return engine.StepResult{Status: engine.StatusSubmitted, Reason: "waiting for in-progress stack"}, nil
		}

		desc, err := rs.describe(ctx, rc, t)
		if err != nil {
			return engine.StepResult{}, err
		}

		if !exists {
			if err := rc.Provider.Create(ctx, t.FQN, desc); err != nil {
				return engine.StepResult{}, fmt.Errorf("failed to create %s: %w", t.FQN, err)
			}
			submitted = ChangeCreate
			return engine.StepResult{Status: engine.StatusSubmitted, Reason: "creating new stack"}, nil
		}

		// The provider rejects the update if the failed state is not
		// recoverable.
		if rc.Provider.IsFailed(state) {
			logger := rs.stackLogger(t)
			logger.Warn().
				Str("status", state.Status).
				Msg("Stack is in a failed state, attempting update")
		}

		details = compareState(state, desc)
		if len(details) == 0 {
			rs.record(t, ChangeNone)
			return engine.StepResult{Status: engine.StatusSkipped, Reason: "nothing to update"}, nil
		}

		if err := rc.Provider.Update(ctx, t.FQN, desc); err != nil {
			return engine.StepResult{}, fmt.Errorf("failed to update %s: %w", t.FQN, err)
		}
		submitted = ChangeUpdate
		before = *state
		return engine.StepResult{Status: engine.StatusSubmitted, Reason: "updating existing stack"}, nil
	}
}

// waitLaunch polls a submitted create or update. An update the provider
// accepted as a no-op leaves the stack exactly as it was before, which may
// be a settled rollback status; that is a completed update, not a failure.
func (rs *RunState) waitLaunch(rc *engine.RunContext, t *Target, state *engine.StackState, exists bool, submitted ChangeAction, before *engine.StackState, details []string) (engine.StepResult, error) {
	verb := "creating"
	if submitted == ChangeUpdate {
		verb = "updating"
	}

	switch {
	case !exists:
		return engine.StepResult{}, fmt.Errorf("stack %s disappeared while %s", t.FQN, verb)
	case rc.Provider.IsInProgress(state):
		return engine.StepResult{Status: engine.StatusSubmitted, Reason: verb + " stack"}, nil
	case submitted == ChangeUpdate && unchanged(before, state):
		rs.record(t, ChangeNone)
		return engine.StepResult{Status: engine.StatusComplete, Reason: "no updates to perform"}, nil
	case rc.Provider.IsFailed(state):
		return engine.StepResult{}, fmt.Errorf("stack %s failed while %s: %s (%s)", t.FQN, verb, state.Status, state.StatusReason)
	case rc.Provider.IsComplete(state):
		if submitted == ChangeCreate {
			rs.record(t, ChangeCreate)
			return engine.StepResult{Status: engine.StatusComplete, Reason: "stack created"}, nil
		}
		rs.record(t, ChangeUpdate, details...)
		return engine.StepResult{Status: engine.StatusComplete, Reason: "stack updated"}, nil
	default:
		return engine.StepResult{Status: engine.StatusSubmitted, Reason: verb + " stack"}, nil
	}
}

// unchanged reports whether the provider status is still the one seen when
// the update was submitted.
func unchanged(before, after *engine.StackState) bool {
	return before.Status == after.Status && before.UpdatedAt.Equal(after.UpdatedAt)
}

// destroyOperation deletes a stack. A stack that is absent after this step
// was submitted is destroyed; a stack that was absent from the start was
// never there and the step is skipped.
func (rs *RunState) destroyOperation(t *Target) engine.Operation {
	var requested bool

	return func(ctx context.Context, rc *engine.RunContext, previous engine.Status) (engine.StepResult, error) {
		state, exists, err := getState(ctx, rc, t)
		if err != nil {
			return engine.StepResult{}, err
		}

		if !exists {
			if previous == engine.StatusSubmitted {
				rs.record(t, ChangeDelete)
				return engine.StepResult{Status: engine.StatusComplete, Reason: "stack destroyed"}, nil
			}
			return engine.StepResult{Status: engine.StatusSkipped, Reason: "stack does not exist"}, nil
		}

		if rc.Provider.IsInProgress(state) {
			reason := "waiting for in-progress stack"
			if requested {
				reason = "destroying stack"
			}
			return engine.StepResult{Status: engine.StatusSubmitted, Reason: reason}, nil
		}
		if requested {
			if rc.Provider.IsFailed(state) {
				return engine.StepResult{}, fmt.Errorf("failed to destroy %s: %s (%s)", t.FQN, state.Status, state.StatusReason)
			}
			return engine.StepResult{Status: engine.StatusSubmitted, Reason: "destroying stack"}, nil
		}

		if err := rc.Provider.Destroy(ctx, t.FQN); err != nil {
			return engine.StepResult{}, fmt.Errorf("failed to destroy %s: %w", t.FQN, err)
		}
		requested = true
		return engine.StepResult{Status: engine.StatusSubmitted, Reason: "submitted for destruction"}, nil
	}
}

// diffOperation records how a stack differs from its deployed state. It
// never changes anything, so the step always ends SKIPPED.
func (rs *RunState) diffOperation(t *Target) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext, _ engine.Status) (engine.StepResult, error) {
		state, exists, err := getState(ctx, rc, t)
		if err != nil {
			return engine.StepResult{}, err
		}

		if t.Removed() {
			if !exists {
				return engine.StepResult{Status: engine.StatusSkipped, Reason: "no changes"}, nil
			}
			rs.record(t, ChangeDelete, "removed from configuration")
			return engine.StepResult{Status: engine.StatusSkipped, Reason: "would delete"}, nil
		}

		if !exists {
			rs.record(t, ChangeCreate)
			return engine.StepResult{Status: engine.StatusSkipped, Reason: "would create"}, nil
		}

		desc, err := rs.describe(ctx, rc, t)
		if err != nil {
			return engine.StepResult{}, err
		}
		details := compareState(state, desc)
		if len(details) == 0 {
			rs.record(t, ChangeNone)
			return engine.StepResult{Status: engine.StatusSkipped, Reason: "no changes"}, nil
		}
		rs.record(t, ChangeUpdate, details...)
		return engine.StepResult{
			Status: engine.StatusSkipped,
			Reason: "would update: " + strings.Join(details, ", "),
		}, nil
	}
}

// describe renders the desired state of a configured stack.
func (rs *RunState) describe(ctx context.Context, rc *engine.RunContext, t *Target) (*engine.Description, error) {
	lc := &lookups.Context{
		Provider: rc.Provider,
		FQN:      rs.Config.FQN,
		Logger:   rs.stackLogger(t),
	}
	params, err := rs.Resolver.ResolveParameters(ctx, lc, t.Stack.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parameters of %s: %w", t.Name, err)
	}

	tags := make(map[string]string, len(rs.Config.Tags)+len(t.Stack.Tags))
	for k, v := range rs.Config.Tags {
		tags[k] = v
	}
	for k, v := range t.Stack.Tags {
		tags[k] = v
	}

	return &engine.Description{
		Template:   []byte(t.Stack.Template),
		Parameters: params,
		Tags:       tags,
	}, nil
}

// getState reads a stack, treating a destroyed stack as absent.
func getState(ctx context.Context, rc *engine.RunContext, t *Target) (*engine.StackState, bool, error) {
	state, err := rc.Provider.GetState(ctx, t.FQN)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get state of %s: %w", t.FQN, err)
	}
	if rc.Provider.IsDestroyed(state) {
		return state, false, nil
	}
	return state, true, nil
}

// compareState lists what differs between a deployed stack and desc.
// Parameter values are not included since they may be secrets.
func compareState(state *engine.StackState, desc *engine.Description) []string {
	var details []string
	if state.TemplateHash != desc.TemplateHash() {
		details = append(details, "template changed")
	}

	keys := make(map[string]struct{}, len(desc.Parameters)+len(state.Parameters))
	for k := range desc.Parameters {
		keys[k] = struct{}{}
	}
	for k := range state.Parameters {
		keys[k] = struct{}{}
	}
	for _, k := range sortedKeys(keys) {
		want, inDesc := desc.Parameters[k]
		got, inState := state.Parameters[k]
		switch {
		case !inState:
			details = append(details, fmt.Sprintf("parameter %s added", k))
		case !inDesc:
			details = append(details, fmt.Sprintf("parameter %s removed", k))
		case want != got:
			details = append(details, fmt.Sprintf("parameter %s changed", k))
		}
	}

	tagKeys := make(map[string]struct{}, len(desc.Tags))
	for k := range desc.Tags {
		tagKeys[k] = struct{}{}
	}
	for _, k := range sortedKeys(tagKeys) {
		if state.Tags[k] != desc.Tags[k] {
			details = append(details, fmt.Sprintf("tag %s changed", k))
		}
	}
	return details
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
