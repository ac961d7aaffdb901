package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/graphlock"
	"github.com/stackrun/stackrun/pkg/hooks"
	"github.com/stackrun/stackrun/pkg/lookups"
	"github.com/stackrun/stackrun/pkg/policy"
	"github.com/stackrun/stackrun/pkg/stores"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

// Graph tags written on every locked run besides ProtectedTag.
const (
	LastRunTag    = "stackrun:last_run_id"
	LastActionTag = "stackrun:last_action"
)

// ResultStatus is the aggregate status of a run.
type ResultStatus string

// Result statuses. They match stores.RunStatus values.
const (
	ResultSucceeded    ResultStatus = "succeeded"
	ResultFailed       ResultStatus = "failed"
	ResultNoChanges    ResultStatus = "no_changes"
	ResultNotConfirmed ResultStatus = "not_confirmed"
	ResultCancelled    ResultStatus = "cancelled"
)

// Result reports one run.
type Result struct {
	Action    string          `json:"action"`
	Namespace string          `json:"namespace"`
	Status    ResultStatus    `json:"status"`
	RunID     string          `json:"run_id"`
	Outcome   *engine.Outcome `json:"outcome,omitempty"`
	Changes   []Change        `json:"changes,omitempty"`
	Duration  time.Duration   `json:"duration"`

	// Plan is the plan that was, or would have been, executed.
	Plan *engine.Plan `json:"-"`
}

// Summary counts the recorded changes.
func (r *Result) Summary() Summary {
	var s Summary
	for _, c := range r.Changes {
		switch c.Action {
		case ChangeCreate:
			s.Created++
		case ChangeUpdate:
			s.Updated++
		case ChangeDelete:
			s.Deleted++
		default:
			s.Unchanged++
		}
	}
	return s
}

// Executor runs a plan. Tests replace it to observe Execute calls.
type Executor interface {
	Execute(ctx context.Context, plan *engine.Plan, rc *engine.RunContext) *engine.Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, plan *engine.Plan, rc *engine.RunContext) *engine.Outcome

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, plan *engine.Plan, rc *engine.RunContext) *engine.Outcome {
	return f(ctx, plan, rc)
}

// PlanExecutor calls Plan.Execute.
var PlanExecutor Executor = ExecutorFunc(func(ctx context.Context, plan *engine.Plan, rc *engine.RunContext) *engine.Outcome {
	return plan.Execute(ctx, rc)
})

// Options configures a Runner. Only Provider is required.
type Options struct {
	// Provider performs the remote calls.
	Provider engine.Provider

	// Backend stores the persistent graph. Without one nothing is locked
	// or persisted.
	Backend stores.GraphBackend

	// History records runs. Optional.
	History stores.HistoryStore

	// Policy evaluates plans before execution. Optional.
	Policy *policy.Engine

	// Hooks runs the lifecycle scripts. Optional.
	Hooks *hooks.Runner

	// Telemetry receives spans, metrics and events. Defaults to telemetry.Nop.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger

	// Executor runs plans. Defaults to PlanExecutor.
	Executor Executor

	// Force confirms destructive actions.
	Force bool

	// Concurrency overrides the configured concurrency when positive.
	Concurrency int

	// Poll overrides the configured poll policy.
	Poll *engine.PollPolicy

	// Clock drives step timing. Defaults to the real clock.
	Clock engine.Clock

	// HolderID identifies this process in the graph lock.
	HolderID string

	// Now is the lock clock. Defaults to time.Now.
	Now func() time.Time
}

// Runner runs actions against one configuration.
type Runner struct {
	cfg      *config.Config
	opts     Options
	tel      *telemetry.Telemetry
	lock     *graphlock.Lock
	resolver *lookups.Resolver
}

// NewRunner creates a Runner for cfg.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runner requires a configuration")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("runner requires a provider")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.Executor == nil {
		opts.Executor = PlanExecutor
	}
	if opts.Clock == nil {
		opts.Clock = engine.RealClock()
	}

	r := &Runner{
		cfg:      cfg,
		opts:     opts,
		tel:      opts.Telemetry,
		resolver: lookups.NewResolver(),
	}

	if opts.Backend != nil {
		lock, err := graphlock.New(opts.Backend, graphlock.Options{
			Namespace: cfg.Namespace,
			HolderID:  opts.HolderID,
			TTL:       cfg.LockTTL(),
			Now:       opts.Now,
			Logger:    opts.Logger,
			Recorder:  opts.Telemetry.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create graph lock: %w", err)
		}
		r.lock = lock
	}
	return r, nil
}

// Lock returns the graph lock, or nil without a backend.
func (r *Runner) Lock() *graphlock.Lock {
	return r.lock
}

// Plan builds the plan kind would execute without running it.
func (r *Runner) Plan(ctx context.Context, kind Kind) (*engine.Plan, []*Target, error) {
	rs := r.newRunState(kind, uuid.New().String())
	in, err := r.loadTargetInput(ctx)
	if err != nil {
		return nil, nil, err
	}
	targets, plan, err := r.prepare(kind, rs, in, nil)
	if err != nil {
		return nil, nil, err
	}
	return plan, targets, nil
}

// Run executes kind: it loads the persisted graph, builds and checks the
// plan, runs hooks, executes and writes the graph back. Destructive kinds
// only build and log the plan unless Options.Force is set.
func (r *Runner) Run(ctx context.Context, kind Kind) (res *Result, err error) {
	start := time.Now()
	if err := config.Validate(r.cfg); err != nil {
		return nil, engine.NewPermanentError("invalid configuration", err).WithCode(engine.ErrCodeValidation)
	}

	rs := r.newRunState(kind, uuid.New().String())
	res = &Result{
		Action:    kind.Name(),
		Namespace: r.cfg.Namespace,
		RunID:     rs.RunID,
	}
	r.startHistory(ctx, rs)

	defer func() {
		res.Duration = time.Since(start)
		if err != nil && res.Status != ResultFailed {
			res.Status = ResultFailed
		}
		r.finish(context.WithoutCancel(ctx), rs, res, err)
	}()

	if kind.RequiresConfirmation() && !r.opts.Force {
		in, err := r.loadTargetInput(ctx)
		if err != nil {
			return res, err
		}
		_, plan, err := r.prepare(kind, rs, in, nil)
		if err != nil {
			return res, err
		}
		res.Plan = plan
		res.Status = ResultNotConfirmed
		logPlan(rs.Logger, plan)
		rs.Logger.Warn().Msg("Destructive action not confirmed, nothing was executed")
		return res, nil
	}

	if r.lock != nil && kind.LocksGraph() {
		err = r.lock.WithLock(ctx, func(ctx context.Context, token *graphlock.Token) error {
			return r.execute(ctx, kind, rs, res, token)
		})
		return res, err
	}
	return res, r.execute(ctx, kind, rs, res, nil)
}

// execute runs everything between loading the graph and post hooks. A
// non-nil token means the graph lock is held and the graph is written back.
func (r *Runner) execute(ctx context.Context, kind Kind, rs *RunState, res *Result, token *graphlock.Token) error {
	in, err := r.loadTargetInput(ctx)
	if err != nil {
		return err
	}

	observer := telemetry.NewPlanObserver(r.tel, rs.RunID, kind.Name(), r.cfg.Namespace)
	targets, plan, err := r.prepare(kind, rs, in, observer)
	if err != nil {
		return err
	}
	res.Plan = plan

	if err := r.checkPolicy(ctx, kind, rs, targets); err != nil {
		return err
	}

	names := targetNames(targets)
	pre, post := kind.HookPoints()
	var tags map[string]string
	if pre != "" {
		tags, err = r.opts.Hooks.Run(ctx, pre, hooks.Input{
			Namespace: r.cfg.Namespace,
			Action:    kind.Name(),
			Stacks:    names,
		})
		if err != nil {
			return err
		}
	}

	rc := &engine.RunContext{
		Namespace: r.cfg.Namespace,
		Provider:  r.opts.Provider,
		Logger:    rs.Logger,
	}
	outcome := r.opts.Executor.Execute(observer.PlanStarting(ctx, plan), plan, rc)
	res.Outcome = outcome
	res.Changes = rs.Changes()
	res.Status = statusFor(outcome)

	result := outcome.Err()
	// The graph is written back and post hooks run even after cancellation.
	persistCtx := context.WithoutCancel(ctx)

	if token != nil {
		current, removed := persistedChanges(kind, targets, outcome)
		graphTags := r.graphTags(kind, rs, in, removed, tags)
		if err := r.lock.MergeAndStore(persistCtx, token, current, removed, graphTags); err != nil {
			result = appendErr(result, err)
		}
	}

	if post != "" {
		postTags, err := r.opts.Hooks.Run(persistCtx, post, hooks.Input{
			Namespace: r.cfg.Namespace,
			Action:    kind.Name(),
			Stacks:    names,
			Outcome:   hookOutcome(res.Status),
		})
		switch {
		case err != nil:
			res.Status = ResultFailed
			result = appendErr(result, err)
		case token != nil && len(postTags) > 0:
			if err := r.lock.MergeAndStore(persistCtx, token, nil, nil, postTags); err != nil {
				result = appendErr(result, err)
			}
		}
	}

	if err := kind.PostProcess(persistCtx, rs, res); err != nil {
		result = appendErr(result, err)
	}
	return result
}

// prepare selects the targets and builds the plan. Graph errors abort the
// run before any step executes.
func (r *Runner) prepare(kind Kind, rs *RunState, in *TargetInput, observer engine.Observer) ([]*Target, *engine.Plan, error) {
	targets, err := kind.Targets(in)
	if err != nil {
		return nil, nil, err
	}

	graph, err := engine.BuildGraph(requirements(targets))
	if err != nil {
		return nil, nil, err
	}

	steps := make([]*engine.Step, 0, len(targets))
	for _, t := range targets {
		steps = append(steps, engine.NewStepWithClock(t.Name, kind.Operation(rs, t), r.opts.Clock))
	}

	opts := engine.PlanOptions{
		Direction:   kind.Direction(),
		Concurrency: r.concurrency(),
		Poll:        r.pollPolicy(),
		Clock:       r.opts.Clock,
	}
	if observer != nil {
		opts.Observer = observer
	}
	plan, err := engine.NewPlan(graph, steps, opts)
	if err != nil {
		return nil, nil, err
	}
	return targets, plan, nil
}

// checkPolicy evaluates the plan and publishes every violation.
func (r *Runner) checkPolicy(ctx context.Context, kind Kind, rs *RunState, targets []*Target) error {
	if r.opts.Policy == nil {
		return nil
	}

	in := &policy.Input{
		Action:    kind.Name(),
		Namespace: r.cfg.Namespace,
		Steps:     make([]policy.StepInput, 0, len(targets)),
	}
	for _, t := range targets {
		step := policy.StepInput{
			Name:      t.Name,
			FQN:       t.FQN,
			Operation: policyOperation(kind, t),
			Requires:  t.Requires,
			Protected: t.Protected,
		}
		if t.Stack != nil {
			step.Tags = t.Stack.Tags
		}
		in.Steps = append(in.Steps, step)
	}

	result, err := r.opts.Policy.Check(ctx, in)
	if result != nil {
		for _, v := range append(append([]policy.Violation(nil), result.Violations...), result.Warnings...) {
			logPublishError(rs.Logger, r.tel.Events.PublishPolicyViolation(rs.RunID, v.Stack, v.Policy, string(v.Severity), v.Message))
		}
	}
	if err != nil {
		return fmt.Errorf("%s of namespace %s: %w", kind.Name(), r.cfg.Namespace, err)
	}
	return nil
}

func (r *Runner) loadTargetInput(ctx context.Context) (*TargetInput, error) {
	in := &TargetInput{
		Config:    r.cfg,
		Persisted: engine.EdgeMap{},
		Protected: map[string]bool{},
	}
	if r.lock == nil {
		return in, nil
	}

	blob, err := r.lock.Load(ctx)
	if err != nil {
		return nil, err
	}
	in.Persisted = engine.EdgeMap(blob.Edges)
	in.Protected = ParseProtectedTag(blob.Tags[ProtectedTag])
	return in, nil
}

// graphTags returns the tags written with the merged graph. Protected
// stacks are remembered until they are destroyed.
func (r *Runner) graphTags(kind Kind, rs *RunState, in *TargetInput, removed []string, hookTags map[string]string) map[string]string {
	tags := make(map[string]string, len(r.cfg.Tags)+len(hookTags)+3)
	for k, v := range r.cfg.Tags {
		tags[k] = v
	}
	for k, v := range hookTags {
		tags[k] = v
	}

	gone := make(map[string]bool, len(removed))
	for _, name := range removed {
		gone[name] = true
	}
	protected := make(map[string]bool)
	for _, s := range r.cfg.Stacks {
		if s.Protected {
			protected[s.Name] = true
		}
	}
	for name := range in.Protected {
		if _, declared := r.cfg.Stack(name); !declared && !gone[name] {
			protected[name] = true
		}
	}

	tags[ProtectedTag] = FormatProtectedTag(protected)
	tags[LastRunTag] = rs.RunID
	tags[LastActionTag] = kind.Name()
	return tags
}

// persistedChanges returns the edges to write and the nodes to drop. Only
// steps that converged are recorded; everything else keeps its persisted
// entry.
func persistedChanges(kind Kind, targets []*Target, outcome *engine.Outcome) (engine.EdgeMap, []string) {
	converged := make(map[string]bool, len(outcome.Steps))
	for _, s := range outcome.Steps {
		if s.Status.IsSuccessful() {
			converged[s.Name] = true
		}
	}

	var removed []string
	for _, t := range targets {
		if !converged[t.Name] {
			continue
		}
		if kind.Name() == ActionDestroy || t.Removed() {
			removed = append(removed, t.Name)
		}
	}

	if kind.Name() == ActionDestroy {
		return engine.EdgeMap{}, removed
	}
	return currentEdges(targets, converged), removed
}

func (r *Runner) newRunState(kind Kind, runID string) *RunState {
	logger := telemetry.NewLoggerFrom(r.opts.Logger.With().Str("action", kind.Name()).Logger()).
		WithNamespace(r.cfg.Namespace)
	return newRunState(kind.Name(), runID, r.cfg, r.resolver, logger)
}

func (r *Runner) concurrency() int {
	if r.opts.Concurrency > 0 {
		return r.opts.Concurrency
	}
	return r.cfg.Concurrency
}

func (r *Runner) pollPolicy() engine.PollPolicy {
	if r.opts.Poll != nil {
		return *r.opts.Poll
	}
	return r.cfg.PollPolicy()
}

func (r *Runner) startHistory(ctx context.Context, rs *RunState) {
	if r.opts.History == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]interface{}{
		"force":       r.opts.Force,
		"concurrency": r.concurrency(),
		"provider":    r.opts.Provider.Name(),
	})
	run := &stores.Run{
		ID:        rs.RunID,
		Namespace: r.cfg.Namespace,
		Action:    rs.Action,
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Metadata:  string(metadata),
	}
	if err := r.opts.History.CreateRun(ctx, run); err != nil {
		rs.Logger.Warn().Err(err).Msg("Failed to record run start")
	}
}

// finish records the result in history, events and metrics.
func (r *Runner) finish(ctx context.Context, rs *RunState, res *Result, err error) {
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			r.tel.Metrics.RecordError(engineErr.Code)
		}
		logPublishError(rs.Logger, r.tel.Events.PublishRunFailed(rs.RunID, rs.Action, err.Error()))
		rs.Logger.Error().Err(err).Str("status", string(res.Status)).Msg("Action failed")
	} else {
		logPublishError(rs.Logger, r.tel.Events.PublishRunCompleted(rs.RunID, rs.Action, string(res.Status), res.Duration))
		event := rs.Logger.Info().Str("status", string(res.Status)).Dur("duration", res.Duration)
		if res.Outcome != nil {
			steps := zerolog.Dict()
			for status, n := range res.Outcome.Counts() {
				steps = steps.Int(string(status), n)
			}
			event = event.Dict("steps", steps)
		}
		event.Msg("Action finished")
	}

	if r.opts.History == nil {
		return
	}
	if res.Outcome != nil {
		results := make([]*stores.StepResult, 0, len(res.Outcome.Steps))
		for _, s := range res.Outcome.Steps {
			sr := &stores.StepResult{
				RunID:     rs.RunID,
				StackName: s.Name,
				Status:    string(s.Status),
				Reason:    s.Reason,
				Attempts:  s.Attempts,
				UpdatedAt: s.LastUpdated,
			}
			if s.Error != "" {
				msg := s.Error
				sr.Error = &msg
			}
			results = append(results, sr)
		}
		if err := r.opts.History.RecordStepResults(ctx, rs.RunID, results); err != nil {
			rs.Logger.Warn().Err(err).Msg("Failed to record step results")
		}
	}

	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
	}
	if err := r.opts.History.FinishRun(ctx, rs.RunID, stores.RunStatus(res.Status), errMsg); err != nil {
		rs.Logger.Warn().Err(err).Msg("Failed to record run result")
	}
}

func statusFor(outcome *engine.Outcome) ResultStatus {
	switch {
	case !outcome.Success:
		return ResultFailed
	case outcome.Cancelled:
		return ResultCancelled
	case !outcome.Changed():
		return ResultNoChanges
	default:
		return ResultSucceeded
	}
}

func hookOutcome(status ResultStatus) string {
	switch status {
	case ResultSucceeded:
		return hooks.OutcomeSuccess
	case ResultNoChanges:
		return hooks.OutcomeSkipped
	default:
		return hooks.OutcomeFailed
	}
}

// logPlan logs the plan level by level in execution order.
func logPlan(logger zerolog.Logger, plan *engine.Plan) {
	for i, level := range plan.Graph().Levels() {
		logger.Info().
			Int("level", i+1).
			Strs("stacks", level).
			Str("direction", string(plan.Direction())).
			Msg("Planned")
	}
}

func targetNames(targets []*Target) []string {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	return names
}

func appendErr(result, err error) error {
	if result == nil {
		return err
	}
	return multierror.Append(result, err)
}

func logPublishError(logger zerolog.Logger, err error) {
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to publish event")
	}
}
