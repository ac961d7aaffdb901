package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Step wraps one stack's operation together with its run state.
// Only the step's own execution loop mutates it; readers use the accessors.
type Step struct {
	name      string
	operation Operation
	clock     Clock

	mu          sync.RWMutex
	status      Status
	reason      string
	attempts    int
	lastUpdated time.Time
	err         error
}

// StepSnapshot is a point-in-time copy of a step's state for reporting.
type StepSnapshot struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	LastUpdated time.Time `json:"last_updated"`
	Error       string    `json:"error,omitempty"`
}

// NewStep creates a pending step.
func NewStep(name string, op Operation) *Step {
	return NewStepWithClock(name, op, RealClock())
}

// NewStepWithClock creates a pending step that reads time from clock.
func NewStepWithClock(name string, op Operation, clock Clock) *Step {
	if clock == nil {
		clock = RealClock()
	}
	return &Step{
		name:        name,
		operation:   op,
		clock:       clock,
		status:      StatusPending,
		lastUpdated: clock.Now(),
	}
}

// Name returns the stack name.
func (s *Step) Name() string {
	return s.name
}

// Status returns the current status.
func (s *Step) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Reason returns the explanation for the current status.
func (s *Step) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Attempts returns how many times the operation has been invoked.
func (s *Step) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// LastUpdated returns the time of the last status change.
func (s *Step) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// Err returns the error that failed the step, if any.
func (s *Step) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done reports whether the step reached a terminal status.
func (s *Step) Done() bool {
	return s.Status().IsTerminal()
}

// Snapshot returns a copy of the step's state.
func (s *Step) Snapshot() StepSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StepSnapshot{
		Name:        s.name,
		Status:      s.status,
		Reason:      s.reason,
		Attempts:    s.attempts,
		LastUpdated: s.lastUpdated,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// RunOnce invokes the operation exactly once and records the result.
// A step that is already terminal is returned unchanged.
func (s *Step) RunOnce(ctx context.Context, rc *RunContext) Status {
	previous := s.Status()
	if previous.IsTerminal() {
		return previous
	}

	result, err := s.operation(ctx, rc, previous)

	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()

	if err != nil {
		s.fail(err.Error(), NewPermanentError("step operation failed", err).
			WithCode(ErrCodeStepFailed).
			WithResource(s.name), rc)
		return StatusFailed
	}

	if verr := result.Status.Validate(); verr != nil || result.Status == StatusPending {
		s.fail(fmt.Sprintf("operation returned status %q", result.Status),
			NewPermanentError("step operation returned an invalid status", verr).
				WithCode(ErrCodeInternal).
				WithResource(s.name), rc)
		return StatusFailed
	}

	s.setStatus(result.Status, result.Reason, rc)
	return result.Status
}

// Run calls RunOnce until the step leaves SUBMITTED, waiting between calls
// according to policy. Cancellation of ctx is observed only between attempts;
// the step then keeps its last observed status. Operations are invoked with a
// context that is not cancelled, so an attempt in flight runs to completion.
func (s *Step) Run(ctx context.Context, rc *RunContext, policy PollPolicy) Status {
	opCtx := context.WithoutCancel(ctx)
	b := policy.newBackOff()
	start := s.clock.Now()

	for {
		status := s.RunOnce(opCtx, rc)
		if status != StatusSubmitted {
			return status
		}

		if policy.MaxAttempts > 0 && s.Attempts() >= policy.MaxAttempts {
			s.timeout(fmt.Sprintf("still in progress after %d attempts", s.Attempts()), rc)
			return StatusFailed
		}
		if policy.MaxElapsed > 0 && s.clock.Now().Sub(start) >= policy.MaxElapsed {
			s.timeout(fmt.Sprintf("still in progress after %s", policy.MaxElapsed), rc)
			return StatusFailed
		}

		select {
		case <-ctx.Done():
			return status
		case <-s.clock.After(b.NextBackOff()):
		}
	}
}

// Skip marks a pending step as skipped. It returns false if the step
// already started.
func (s *Step) Skip(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending {
		return false
	}
	s.status = StatusSkipped
	s.reason = reason
	s.lastUpdated = s.clock.Now()
	return true
}

// failPanic fails the step after a recovered panic in its operation.
func (s *Step) failPanic(err error, rc *RunContext) {
	s.fail("operation panicked", NewPermanentError("step operation panicked", err).
		WithCode(ErrCodeStepFailed).
		WithResource(s.name), rc)
}

func (s *Step) timeout(reason string, rc *RunContext) {
	s.fail(reason, NewPermanentError("timed out waiting for stack", nil).
		WithCode(ErrCodeTimeout).
		WithResource(s.name), rc)
}

func (s *Step) fail(reason string, err error, rc *RunContext) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setStatus(StatusFailed, reason, rc)
}

func (s *Step) setStatus(status Status, reason string, rc *RunContext) {
	s.mu.Lock()
	changed := s.status != status
	if changed {
		s.lastUpdated = s.clock.Now()
	}
	s.status = status
	s.reason = reason
	s.mu.Unlock()

	if !changed {
		return
	}

	logger := zerolog.Nop()
	if rc != nil {
		logger = rc.Logger
	}
	event := logger.Info()
	if status == StatusFailed {
		event = logger.Error()
	}
	event.Str("stack", s.name).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Step status changed")
}
