package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stackrun/stackrun/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{
			name: "unknown exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: true,
		},
		{name: "bad sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{
			name: "async events without buffer",
			mutate: func(c *Config) {
				c.Events.EnableAsync = true
				c.Events.BufferSize = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordStep("build", "complete", time.Second)
	m.PlanStarted()
	m.PlanCompleted("build", PlanResultSuccess, time.Second)
	m.RecordLockAcquisition("acquired")
	m.RecordError("HOOK_FAILED")
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordLockAcquisition("acquired")
	m.RecordLockAcquisition("locked")
	m.RecordLockAcquisition("locked")
	m.RecordError(engine.ErrCodeGraphLocked)
	m.RecordError("")

	if got := testutil.ToFloat64(m.lockAcquisitions.WithLabelValues("locked")); got != 2 {
		t.Errorf("expected 2 locked acquisitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeGraphLocked)); got != 1 {
		t.Errorf("expected 1 GRAPH_LOCKED error, got %v", got)
	}

	count, err := testutil.GatherAndCount(m.Registry(), "stackrun_graph_lock_acquisitions_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 label sets, got %d", count)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type+":"+e.Stack) }, nil)
	var errorsOnly []string
	ep.Subscribe(func(e Event) { errorsOnly = append(errorsOnly, e.Message) }, FilterByLevel(EventLevelError))

	_ = ep.PublishStepStarted("run-1", "vpc")
	_ = ep.PublishStepFinished("run-1", "vpc", "failed", "boom", time.Second)
	_ = ep.PublishRunFailed("run-1", "build", "1 step failed")

	want := []string{"step.started:vpc", "step.finished:vpc", "run.failed:"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"vpc failed (boom)", "build failed: 1 step failed"}, errorsOnly); diff != "" {
		t.Errorf("filtered events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventPublisher_AsyncPreservesOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 100})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Stack)
	}, FilterByType(EventTypeStepStarted))

	for _, stack := range []string{"a", "b", "c"} {
		if err := ep.PublishStepStarted("run", stack); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.PublishRunCompleted("run", "build", "success", time.Second)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := ep.PublishStepStarted("run", "late"); err == nil {
		t.Error("expected publish after shutdown to fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	_ = ep.PublishStepStarted("run", "vpc")
	if called {
		t.Error("disabled publisher should not deliver")
	}

	var nilPublisher *EventPublisher
	if err := nilPublisher.PublishStepStarted("run", "vpc"); err != nil {
		t.Errorf("nil publisher should drop events, got %v", err)
	}
}

func newRecordingTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	tel := Nop()
	tel.Tracer = &Tracer{provider: provider, tracer: provider.Tracer("test")}
	return tel, recorder
}

func TestPlanObserver(t *testing.T) {
	tel, recorder := newRecordingTelemetry(t)

	var events []string
	tel.Events.Subscribe(func(e Event) { events = append(events, e.Type+":"+e.Stack) }, nil)

	graph, err := engine.BuildGraph(map[string][]string{"vpc": nil, "app": {"vpc"}})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	ok := func(context.Context, *engine.RunContext, engine.Status) (engine.StepResult, error) {
		return engine.StepResult{Status: engine.StatusComplete}, nil
	}
	fail := func(context.Context, *engine.RunContext, engine.Status) (engine.StepResult, error) {
		return engine.StepResult{}, errors.New("template invalid")
	}

	observer := NewPlanObserver(tel, "run-1", "build", "prod")
	plan, err := engine.NewPlan(graph, []*engine.Step{
		engine.NewStep("vpc", ok),
		engine.NewStep("app", fail),
	}, engine.PlanOptions{Concurrency: 1, Observer: observer})
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}

	ctx := observer.PlanStarting(context.Background(), plan)
	outcome := plan.Execute(ctx, &engine.RunContext{Namespace: "prod"})
	if outcome.Success {
		t.Fatal("expected the plan to fail")
	}

	spans := recorder.Ended()
	names := make(map[string]int)
	var planSpanID string
	for _, s := range spans {
		names[s.Name()]++
		if s.Name() == SpanPlanExecute {
			planSpanID = s.SpanContext().SpanID().String()
		}
	}
	if names[SpanPlanExecute] != 1 || names[SpanStepRun] != 2 {
		t.Fatalf("unexpected spans %v", names)
	}
	for _, s := range spans {
		if s.Name() == SpanStepRun && s.Parent().SpanID().String() != planSpanID {
			t.Errorf("step span %v is not a child of the plan span", s.Attributes())
		}
	}

	m := tel.Metrics
	if got := testutil.ToFloat64(m.stepsExecuted.WithLabelValues("build", "complete")); got != 1 {
		t.Errorf("expected 1 complete step, got %v", got)
	}
	if got := testutil.ToFloat64(m.stepsExecuted.WithLabelValues("build", "failed")); got != 1 {
		t.Errorf("expected 1 failed step, got %v", got)
	}
	if got := testutil.ToFloat64(m.plansCompleted.WithLabelValues("build", PlanResultFailed)); got != 1 {
		t.Errorf("expected 1 failed plan, got %v", got)
	}
	if got := testutil.ToFloat64(m.activePlans); got != 0 {
		t.Errorf("expected no active plans, got %v", got)
	}

	want := []string{
		"run.started:",
		"step.started:vpc", "step.finished:vpc",
		"step.started:app", "step.finished:app",
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf strings.Builder
	cfg := LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.zlog = logger.zlog.Output(&buf)

	zlog := logger.WithNamespace("prod").WithRunID("r1").WithStack("vpc").Zerolog()
	zlog.Info().Msg("launched")

	out := buf.String()
	for _, want := range []string{`"namespace":"prod"`, `"run_id":"r1"`, `"stack":"vpc"`, `"message":"launched"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}

	buf.Reset()
	zlog = NewLoggerFrom(zerolog.New(&buf)).WithStack("db").Zerolog()
	zlog.Debug().Msg("wrapped")
	if !strings.Contains(buf.String(), `"stack":"db"`) {
		t.Errorf("wrapped logger lost its fields: %q", buf.String())
	}
}
