package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Observer receives plan lifecycle notifications. Implementations must be
// safe for concurrent use; StepStarted and StepFinished are called from
// worker goroutines.
type Observer interface {
	StepStarted(ctx context.Context, plan *Plan, step *Step)
	StepFinished(ctx context.Context, plan *Plan, step *Step, duration time.Duration)
	PlanFinished(ctx context.Context, plan *Plan, outcome *Outcome)
}

// PlanOptions configures a Plan.
type PlanOptions struct {
	// Direction selects build order (forward) or teardown order (reverse).
	Direction Direction

	// Concurrency bounds the number of steps running at once. Zero means unbounded.
	Concurrency int

	// Poll controls how long a step waits between attempts while SUBMITTED.
	Poll PollPolicy

	// Clock is used for plan timing. Defaults to the real clock.
	Clock Clock

	// Observer is notified of step and plan progress. Optional.
	Observer Observer
}

// Plan couples a graph in its active direction with the steps keyed by name.
type Plan struct {
	graph       *Graph
	direction   Direction
	steps       map[string]*Step
	concurrency int
	poll        PollPolicy
	clock       Clock
	observer    Observer
}

// NewPlan builds a plan over graph, which must describe requirements in
// build order. A reverse plan executes over the transposed graph. Every
// graph node needs exactly one step and every step needs a node.
func NewPlan(graph *Graph, steps []*Step, opts PlanOptions) (*Plan, error) {
	if graph == nil {
		return nil, NewPermanentError("plan requires a graph", nil).WithCode(ErrCodeValidation)
	}
	if opts.Direction == "" {
		opts.Direction = DirectionForward
	}
	if err := opts.Direction.Validate(); err != nil {
		return nil, NewPermanentError("invalid plan options", err).WithCode(ErrCodeValidation)
	}
	if opts.Concurrency < 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("concurrency must not be negative, got %d", opts.Concurrency),
			nil,
		).WithCode(ErrCodeValidation)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	byName := make(map[string]*Step, len(steps))
	for _, step := range steps {
		if step == nil {
			return nil, NewPermanentError("plan contains a nil step", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := byName[step.Name()]; dup {
			return nil, NewPermanentError(fmt.Sprintf("duplicate step %s", step.Name()), nil).
				WithCode(ErrCodeValidation).WithResource(step.Name())
		}
		if !graph.Has(step.Name()) {
			return nil, NewPermanentError(fmt.Sprintf("step %s is not in the graph", step.Name()), nil).
				WithCode(ErrCodeValidation).WithResource(step.Name())
		}
		byName[step.Name()] = step
	}
	for _, name := range graph.Nodes() {
		if _, ok := byName[name]; !ok {
			return nil, NewPermanentError(fmt.Sprintf("graph node %s has no step", name), nil).
				WithCode(ErrCodeValidation).WithResource(name)
		}
	}

	active := graph
	if opts.Direction == DirectionReverse {
		active = graph.Transpose()
	}

	return &Plan{
		graph:       active,
		direction:   opts.Direction,
		steps:       byName,
		concurrency: opts.Concurrency,
		poll:        opts.Poll.withDefaults(),
		clock:       opts.Clock,
		observer:    opts.Observer,
	}, nil
}

// Graph returns the graph in the plan's active direction.
func (p *Plan) Graph() *Graph {
	return p.graph
}

// Direction returns the plan direction.
func (p *Plan) Direction() Direction {
	return p.direction
}

// Concurrency returns the worker limit. Zero means unbounded.
func (p *Plan) Concurrency() int {
	return p.concurrency
}

// Step returns the named step, or nil.
func (p *Plan) Step(name string) *Step {
	return p.steps[name]
}

// Steps returns all steps sorted by name.
func (p *Plan) Steps() []*Step {
	out := make([]*Step, 0, len(p.steps))
	for _, name := range sortedSet(p.steps) {
		out = append(out, p.steps[name])
	}
	return out
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Execute runs every step in dependency order and returns the outcome.
// A single scheduling loop launches ready steps into at most Concurrency
// workers and blocks until one finishes or ctx is cancelled. After
// cancellation nothing new starts; running steps finish their current
// attempt and unstarted steps stay PENDING.
func (p *Plan) Execute(ctx context.Context, rc *RunContext) *Outcome {
	start := p.clock.Now()

	var wg conc.WaitGroup
	done := make(chan string, len(p.steps))
	launched := make(map[string]bool, len(p.steps))
	skippedByFailure := make(map[string]struct{})
	running := 0
	cancelled := false
	ctxDone := ctx.Done()

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			ctxDone = nil
		}
		if !cancelled {
			for _, name := range p.ready(launched) {
				if p.concurrency > 0 && running >= p.concurrency {
					break
				}
				launched[name] = true
				running++
				step := p.steps[name]
				wg.Go(func() {
					p.runStep(ctx, rc, step)
					done <- step.Name()
				})
			}
		}

		if running == 0 {
			break
		}

		select {
		case name := <-done:
			running--
			if p.steps[name].Status() == StatusFailed {
				for _, skipped := range p.skipDependents(name) {
					skippedByFailure[skipped] = struct{}{}
				}
			}
		case <-ctxDone:
			cancelled = true
			ctxDone = nil
		}
	}

	wg.Wait()

	outcome := p.outcome(skippedByFailure, cancelled)
	outcome.Duration = p.clock.Now().Sub(start)

	if p.observer != nil {
		p.observer.PlanFinished(ctx, p, outcome)
	}
	return outcome
}

// ready returns unlaunched pending steps whose dependencies all succeeded.
func (p *Plan) ready(launched map[string]bool) []string {
	var out []string
	for _, name := range p.graph.Nodes() {
		if launched[name] || p.steps[name].Status() != StatusPending {
			continue
		}
		ok := true
		for _, dep := range p.graph.DependenciesOf(name) {
			if !p.steps[dep].Status().IsSuccessful() {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, name)
		}
	}
	return out
}

// runStep runs one step to a terminal status, or until cancelled.
// A panic in the operation fails only this step.
func (p *Plan) runStep(ctx context.Context, rc *RunContext, step *Step) {
	started := p.clock.Now()
	if p.observer != nil {
		p.observer.StepStarted(ctx, p, step)
	}

	var catcher panics.Catcher
	catcher.Try(func() { step.Run(ctx, rc, p.poll) })
	if recovered := catcher.Recovered(); recovered != nil {
		step.failPanic(recovered.AsError(), rc)
	}

	if p.observer != nil {
		p.observer.StepFinished(ctx, p, step, p.clock.Now().Sub(started))
	}
}

// skipDependents marks every unstarted transitive dependent of a failed
// step as SKIPPED and returns their names.
func (p *Plan) skipDependents(failed string) []string {
	reason := fmt.Sprintf("dependency %s failed", failed)
	var skipped []string
	for _, name := range p.graph.TransitiveDependents(failed) {
		if p.steps[name].Skip(reason) {
			skipped = append(skipped, name)
		}
	}
	return skipped
}

func (p *Plan) outcome(skippedByFailure map[string]struct{}, cancelled bool) *Outcome {
	o := &Outcome{
		Cancelled: cancelled,
		Steps:     make([]StepSnapshot, 0, len(p.steps)),
	}

	for _, step := range p.Steps() {
		snap := step.Snapshot()
		o.Steps = append(o.Steps, snap)

		switch snap.Status {
		case StatusComplete:
			o.Complete = append(o.Complete, snap.Name)
		case StatusFailed:
			o.Failed = append(o.Failed, snap.Name)
		case StatusSkipped:
			if _, ok := skippedByFailure[snap.Name]; ok {
				o.SkippedDueToFailure = append(o.SkippedDueToFailure, snap.Name)
			} else {
				o.Skipped = append(o.Skipped, snap.Name)
			}
		default:
			o.Pending = append(o.Pending, snap.Name)
		}
	}

	o.Success = len(o.Failed) == 0
	return o
}

// Outcome summarizes a plan execution. Name slices are sorted.
type Outcome struct {
	// Success is true when no step failed.
	Success bool `json:"success"`

	// Cancelled is true when the context was cancelled during execution.
	Cancelled bool `json:"cancelled"`

	// Complete lists steps that finished their work.
	Complete []string `json:"complete,omitempty"`

	// Skipped lists steps that had nothing to do.
	Skipped []string `json:"skipped,omitempty"`

	// Failed lists steps whose operation failed.
	Failed []string `json:"failed,omitempty"`

	// SkippedDueToFailure lists steps never launched because a dependency failed.
	SkippedDueToFailure []string `json:"skipped_due_to_failure,omitempty"`

	// Pending lists steps left non-terminal after cancellation.
	Pending []string `json:"pending,omitempty"`

	// Steps holds the final state of every step.
	Steps []StepSnapshot `json:"steps"`

	// Duration is the wall time of Execute.
	Duration time.Duration `json:"duration"`
}

// Err returns a PlanFailed error naming the failed steps, or nil.
// Cancellation alone is not an error.
func (o *Outcome) Err() error {
	if o == nil || len(o.Failed) == 0 {
		return nil
	}
	return NewPlanFailedError(o.Failed)
}

// Changed reports whether any step did work.
func (o *Outcome) Changed() bool {
	return o != nil && len(o.Complete) > 0
}

// Counts returns the number of steps per final status.
func (o *Outcome) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, s := range o.Steps {
		counts[s.Status]++
	}
	return counts
}

// StepNames returns the names of steps that ended with status, sorted.
func (o *Outcome) StepNames(status Status) []string {
	var out []string
	for _, s := range o.Steps {
		if s.Status == status {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}
