package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Plan results recorded on plans_completed_total.
const (
	PlanResultSuccess   = "success"
	PlanResultFailed    = "failed"
	PlanResultCancelled = "cancelled"
)

// PlanObserver turns plan progress into spans, metrics and events for one
// action run. It implements engine.Observer.
type PlanObserver struct {
	tel       *Telemetry
	runID     string
	action    string
	namespace string

	mu       sync.Mutex
	planSpan trace.Span
	spans    map[string]trace.Span
}

// NewPlanObserver creates an observer for one run of action.
func NewPlanObserver(tel *Telemetry, runID, action, namespace string) *PlanObserver {
	return &PlanObserver{
		tel:       tel,
		runID:     runID,
		action:    action,
		namespace: namespace,
		spans:     make(map[string]trace.Span),
	}
}

// PlanStarting opens the plan.execute span and marks the plan active. The
// returned context must be passed to Plan.Execute so step spans nest.
func (o *PlanObserver) PlanStarting(ctx context.Context, plan *engine.Plan) context.Context {
	ctx, span := o.tel.Tracer.StartPlanSpan(ctx, o.runID, o.action, o.namespace, plan.Len())

	o.mu.Lock()
	o.planSpan = span
	o.mu.Unlock()

	o.tel.Metrics.PlanStarted()
	o.logPublishError(o.tel.Events.PublishRunStarted(o.runID, o.action, o.namespace, plan.Len()))
	return ctx
}

// StepStarted implements engine.Observer.
func (o *PlanObserver) StepStarted(ctx context.Context, _ *engine.Plan, step *engine.Step) {
	_, span := o.tel.Tracer.StartStepSpan(ctx, o.action, step.Name())

	o.mu.Lock()
	o.spans[step.Name()] = span
	o.mu.Unlock()

	o.logPublishError(o.tel.Events.PublishStepStarted(o.runID, step.Name()))
}

// StepFinished implements engine.Observer.
func (o *PlanObserver) StepFinished(_ context.Context, _ *engine.Plan, step *engine.Step, duration time.Duration) {
	status := step.Status()

	o.mu.Lock()
	span, ok := o.spans[step.Name()]
	delete(o.spans, step.Name())
	o.mu.Unlock()

	if ok {
		span.SetAttributes(
			AttrStepStatus.String(string(status)),
			AttrStepReason.String(step.Reason()),
		)
		if status == engine.StatusFailed {
			RecordError(span, step.Err())
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	o.tel.Metrics.RecordStep(o.action, string(status), duration)
	o.logPublishError(o.tel.Events.PublishStepFinished(o.runID, step.Name(), string(status), step.Reason(), duration))
}

// PlanFinished implements engine.Observer.
func (o *PlanObserver) PlanFinished(_ context.Context, _ *engine.Plan, outcome *engine.Outcome) {
	result := PlanResultSuccess
	switch {
	case outcome.Cancelled:
		result = PlanResultCancelled
	case !outcome.Success:
		result = PlanResultFailed
	}

	o.mu.Lock()
	span := o.planSpan
	o.planSpan = nil
	o.mu.Unlock()

	if span != nil {
		span.SetAttributes(AttrPlanResult.String(result))
		if err := outcome.Err(); err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
		o.tel.Metrics.PlanCompleted(o.action, result, outcome.Duration)
	}
}

func (o *PlanObserver) logPublishError(err error) {
	if err != nil {
		zl := o.tel.Logger.Zerolog()
		zl.Debug().Err(err).Str("run_id", o.runID).Msg("Failed to publish event")
	}
}
