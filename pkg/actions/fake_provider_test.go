package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Fake provider statuses.
const (
	fakeInProgress = "IN_PROGRESS"
	fakeComplete   = "COMPLETE"
	fakeFailed     = "FAILED"
	fakeDeleted    = "DELETED"
)

type fakeStack struct {
	state engine.StackState
	// target is the status reached once settleReads more reads happened.
	target      string
	settleReads int
}

// fakeProvider keeps stacks in memory. Work requested by Create, Update
// and Destroy settles after a fixed number of GetState calls.
type fakeProvider struct {
	mu          sync.Mutex
	stacks      map[string]*fakeStack
	calls       []string
	descs       map[string]*engine.Description
	settleAfter int
	failCreate  map[string]bool
	// noopUpdate stacks accept Update without changing, like a provider
	// answering "no updates are to be performed".
	noopUpdate map[string]bool
	outputs    map[string]map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		stacks:      make(map[string]*fakeStack),
		descs:       make(map[string]*engine.Description),
		settleAfter: 1,
		failCreate:  make(map[string]bool),
		noopUpdate:  make(map[string]bool),
		outputs:     make(map[string]map[string]string),
	}
}

// deploy seeds a settled stack as if desc had been deployed.
func (p *fakeProvider) deploy(name string, desc *engine.Description) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stacks[name] = &fakeStack{state: engine.StackState{
		Name:         name,
		Status:       fakeComplete,
		Parameters:   desc.Parameters,
		Tags:         desc.Tags,
		TemplateHash: desc.TemplateHash(),
		Outputs:      p.outputs[name],
	}}
}

// setStatus forces the status of a seeded stack.
func (p *fakeProvider) setStatus(name, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stacks[name].state.Status = status
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) GetState(_ context.Context, name string) (*engine.StackState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stack, ok := p.stacks[name]
	if !ok {
		return nil, engine.NewStackNotFoundError(name, nil)
	}
	if stack.settleReads > 0 {
		stack.settleReads--
		if stack.settleReads == 0 {
			stack.state.Status = stack.target
			if stack.target == fakeDeleted {
				delete(p.stacks, name)
				return nil, engine.NewStackNotFoundError(name, nil)
			}
		}
	}
	state := stack.state
	return &state, nil
}

func (p *fakeProvider) IsInProgress(s *engine.StackState) bool { return s.Status == fakeInProgress }
func (p *fakeProvider) IsComplete(s *engine.StackState) bool   { return s.Status == fakeComplete }
func (p *fakeProvider) IsDestroyed(s *engine.StackState) bool  { return s.Status == fakeDeleted }
func (p *fakeProvider) IsFailed(s *engine.StackState) bool     { return s.Status == fakeFailed }

func (p *fakeProvider) Create(_ context.Context, name string, desc *engine.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stacks[name]; ok {
		return fmt.Errorf("stack %s already exists", name)
	}
	p.calls = append(p.calls, "create "+name)
	p.descs[name] = desc

	target := fakeComplete
	if p.failCreate[name] {
		target = fakeFailed
	}
	p.stacks[name] = &fakeStack{
		state: engine.StackState{
			Name:         name,
			Status:       fakeInProgress,
			Parameters:   desc.Parameters,
			Tags:         desc.Tags,
			TemplateHash: desc.TemplateHash(),
			Outputs:      p.outputs[name],
		},
		target:      target,
		settleReads: p.settleAfter,
	}
	return nil
}

func (p *fakeProvider) Update(_ context.Context, name string, desc *engine.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack, ok := p.stacks[name]
	if !ok {
		return engine.NewStackNotFoundError(name, nil)
	}
	p.calls = append(p.calls, "update "+name)
	if p.noopUpdate[name] {
		return nil
	}
	p.descs[name] = desc

	stack.state.Status = fakeInProgress
	stack.state.Parameters = desc.Parameters
	stack.state.Tags = desc.Tags
	stack.state.TemplateHash = desc.TemplateHash()
	stack.target = fakeComplete
	stack.settleReads = p.settleAfter
	return nil
}

func (p *fakeProvider) Destroy(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack, ok := p.stacks[name]
	if !ok {
		return engine.NewStackNotFoundError(name, nil)
	}
	p.calls = append(p.calls, "destroy "+name)
	stack.state.Status = fakeInProgress
	stack.target = fakeDeleted
	stack.settleReads = p.settleAfter
	return nil
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) exists(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.stacks[name]
	return ok
}

func (p *fakeProvider) description(name string) *engine.Description {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descs[name]
}

// countingExecutor counts Execute calls and delegates to the plan.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExecutor) Execute(ctx context.Context, plan *engine.Plan, rc *engine.RunContext) *engine.Outcome {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return plan.Execute(ctx, rc)
}

func (e *countingExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
