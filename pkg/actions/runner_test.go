package actions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/hooks"
	"github.com/stackrun/stackrun/pkg/policy"
	"github.com/stackrun/stackrun/pkg/stores"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

type harness struct {
	provider *fakeProvider
	backend  *stores.MemoryGraphBackend
	executor *countingExecutor
	tel      *telemetry.Telemetry
}

func newHarness() *harness {
	return &harness{
		provider: newFakeProvider(),
		backend:  stores.NewMemoryGraphBackend(),
		executor: &countingExecutor{},
		tel:      telemetry.Nop(),
	}
}

func (h *harness) runner(t *testing.T, cfg *config.Config, mutate ...func(*Options)) *Runner {
	t.Helper()
	opts := Options{
		Provider:  h.provider,
		Backend:   h.backend,
		Telemetry: h.tel,
		Logger:    zerolog.Nop(),
		Executor:  h.executor,
		HolderID:  "test-holder",
		Poll: &engine.PollPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsed:      10 * time.Second,
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := NewRunner(cfg, opts)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

// seed stores a persisted graph for namespace ns.
func (h *harness) seed(t *testing.T, blob *stores.GraphBlob) {
	t.Helper()
	if _, err := h.backend.Store(context.Background(), "ns", blob, ""); err != nil {
		t.Fatalf("failed to seed persistent graph: %v", err)
	}
}

func (h *harness) persisted(t *testing.T) *stores.GraphBlob {
	t.Helper()
	blob, _, err := h.backend.Load(context.Background(), "ns")
	if err != nil {
		t.Fatalf("failed to load persistent graph: %v", err)
	}
	return blob
}

func testStack(name string, requires ...string) config.StackConfig {
	return config.StackConfig{
		Name:     name,
		Requires: requires,
		Template: name + "-template",
	}
}

func testConfig(stacks ...config.StackConfig) *config.Config {
	return &config.Config{Namespace: "ns", Stacks: stacks}
}

// deployed is the description a run renders for an unparameterized stack.
func deployed(name string) *engine.Description {
	return &engine.Description{
		Template:   []byte(name + "-template"),
		Parameters: map[string]string{},
		Tags:       map[string]string{},
	}
}

func TestNewRunner(t *testing.T) {
	if _, err := NewRunner(nil, Options{Provider: newFakeProvider()}); err == nil {
		t.Error("expected error without configuration")
	}
	if _, err := NewRunner(testConfig(), Options{}); err == nil {
		t.Error("expected error without provider")
	}

	r, err := NewRunner(testConfig(testStack("vpc")), Options{Provider: newFakeProvider()})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	if r.Lock() != nil {
		t.Error("runner without backend should not lock")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	h := newHarness()
	cfg := testConfig(testStack("app", "missing"))
	r := h.runner(t, cfg)

	res, err := r.Run(context.Background(), Build{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, engine.ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if h.executor.Calls() != 0 {
		t.Errorf("expected no Execute calls, got %d", h.executor.Calls())
	}
}

func TestBuild_CreatesInDependencyOrder(t *testing.T) {
	h := newHarness()

	var mu sync.Mutex
	var completed []telemetry.Event
	h.tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, e)
	}, telemetry.FilterByType(telemetry.EventTypeRunCompleted))

	cfg := testConfig(testStack("app", "vpc"), testStack("vpc"))
	res, err := h.runner(t, cfg).Run(context.Background(), Build{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != ResultSucceeded {
		t.Errorf("expected status %s, got %s", ResultSucceeded, res.Status)
	}
	if h.executor.Calls() != 1 {
		t.Errorf("expected 1 Execute call, got %d", h.executor.Calls())
	}
	if diff := cmp.Diff([]string{"create ns-vpc", "create ns-app"}, h.provider.Calls()); diff != "" {
		t.Errorf("provider calls mismatch (-want +got):\n%s", diff)
	}

	wantChanges := []Change{
		{Stack: "app", FQN: "ns-app", Action: ChangeCreate},
		{Stack: "vpc", FQN: "ns-vpc", Action: ChangeCreate},
	}
	if diff := cmp.Diff(wantChanges, res.Changes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
	if got := res.Summary(); got.Created != 2 || !got.Changed() {
		t.Errorf("unexpected summary %+v", got)
	}

	blob := h.persisted(t)
	wantEdges := map[string][]string{"app": {"vpc"}, "vpc": {}}
	if diff := cmp.Diff(wantEdges, blob.Edges, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("persisted edges mismatch (-want +got):\n%s", diff)
	}
	if blob.Lock != nil {
		t.Errorf("expected lock to be released, held by %s", blob.Lock.HolderID)
	}
	if blob.Tags[LastRunTag] != res.RunID || blob.Tags[LastActionTag] != ActionBuild {
		t.Errorf("unexpected graph tags %v", blob.Tags)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 || completed[0].RunID != res.RunID {
		t.Fatalf("expected one run.completed event for %s, got %+v", res.RunID, completed)
	}
	if completed[0].Data["status"] != string(ResultSucceeded) {
		t.Errorf("unexpected event status %v", completed[0].Data["status"])
	}
}

func TestBuild_NoChangesAndUpdate(t *testing.T) {
	h := newHarness()
	cfg := testConfig(testStack("app", "vpc"), testStack("vpc"))
	if _, err := h.runner(t, cfg).Run(context.Background(), Build{}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	res, err := h.runner(t, cfg).Run(context.Background(), Build{})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Status != ResultNoChanges {
		t.Errorf("expected status %s, got %s", ResultNoChanges, res.Status)
	}
	if len(h.provider.Calls()) != 2 {
		t.Errorf("expected no new provider calls, got %v", h.provider.Calls())
	}

	cfg.Stacks[0].Template = "app-template-v2"
	res, err = h.runner(t, cfg).Run(context.Background(), Build{})
	if err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if res.Status != ResultSucceeded {
		t.Errorf("expected status %s, got %s", ResultSucceeded, res.Status)
	}
	calls := h.provider.Calls()
	if calls[len(calls)-1] != "update ns-app" {
		t.Errorf("expected an update of ns-app, got %v", calls)
	}
	wantChanges := []Change{
		{Stack: "app", FQN: "ns-app", Action: ChangeUpdate, Details: []string{"template changed"}},
		{Stack: "vpc", FQN: "ns-vpc", Action: ChangeNone},
	}
	if diff := cmp.Diff(wantChanges, res.Changes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_DestroysRemovedStacksDependentsFirst(t *testing.T) {
	h := newHarness()
	h.provider.deploy("ns-vpc", deployed("vpc"))
	h.provider.deploy("ns-old-db", deployed("old-db"))
	h.provider.deploy("ns-old-app", deployed("old-app"))
	h.seed(t, &stores.GraphBlob{Edges: map[string][]string{
		"vpc":     {},
		"old-db":  {"vpc"},
		"old-app": {"old-db"},
	}})

	res, err := h.runner(t, testConfig(testStack("vpc"))).Run(context.Background(), Build{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff([]string{"destroy ns-old-app", "destroy ns-old-db"}, h.provider.Calls()); diff != "" {
		t.Errorf("provider calls mismatch (-want +got):\n%s", diff)
	}
	if h.provider.exists("ns-old-app") || h.provider.exists("ns-old-db") {
		t.Error("removed stacks should be gone")
	}
	if got := res.Summary(); got.Deleted != 2 || got.Unchanged != 1 {
		t.Errorf("unexpected summary %+v", got)
	}

	blob := h.persisted(t)
	if diff := cmp.Diff(map[string][]string{"vpc": {}}, blob.Edges, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("persisted edges mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_PolicyBlocksRemovingProtectedStack(t *testing.T) {
	h := newHarness()
	h.provider.deploy("ns-vpc", deployed("vpc"))
	h.provider.deploy("ns-db", deployed("db"))
	h.seed(t, &stores.GraphBlob{
		Edges: map[string][]string{"vpc": {}, "db": {"vpc"}},
		Tags:  map[string]string{ProtectedTag: "db"},
	})

	pe, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var violations []telemetry.Event
	h.tel.Events.Subscribe(func(e telemetry.Event) { violations = append(violations, e) },
		telemetry.FilterByType(telemetry.EventTypePolicyViolation))

	r := h.runner(t, testConfig(testStack("vpc")), func(o *Options) { o.Policy = pe })
	res, err := r.Run(context.Background(), Build{})
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
	if res.Status != ResultFailed {
		t.Errorf("expected status %s, got %s", ResultFailed, res.Status)
	}
	if h.executor.Calls() != 0 {
		t.Errorf("expected no Execute calls, got %d", h.executor.Calls())
	}
	if len(h.provider.Calls()) != 0 {
		t.Errorf("expected no provider calls, got %v", h.provider.Calls())
	}
	if len(violations) == 0 || violations[0].Stack != "db" {
		t.Errorf("expected a policy violation event for db, got %+v", violations)
	}

	blob := h.persisted(t)
	if blob.Lock != nil {
		t.Error("lock should be released after a policy denial")
	}
	if _, ok := blob.Edges["db"]; !ok {
		t.Error("persisted graph should be unchanged")
	}
}

func TestBuild_RecordsProtectedStacks(t *testing.T) {
	h := newHarness()
	vpc := testStack("vpc")
	vpc.Protected = true
	cfg := testConfig(vpc, testStack("app", "vpc"))

	if _, err := h.runner(t, cfg).Run(context.Background(), Build{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.persisted(t).Tags[ProtectedTag]; got != "vpc" {
		t.Errorf("expected protected tag %q, got %q", "vpc", got)
	}
}

func TestBuild_GraphLocked(t *testing.T) {
	h := newHarness()
	h.seed(t, &stores.GraphBlob{
		Edges: map[string][]string{},
		Lock:  &stores.LockInfo{HolderID: "other-run", AcquiredAt: time.Now().UTC()},
	})

	res, err := h.runner(t, testConfig(testStack("vpc"))).Run(context.Background(), Build{})
	if !errors.Is(err, engine.ErrGraphLocked) {
		t.Fatalf("expected ErrGraphLocked, got %v", err)
	}
	if holder, ok := engine.LockHolder(err); !ok || holder != "other-run" {
		t.Errorf("expected holder other-run, got %q", holder)
	}
	if res.Status != ResultFailed {
		t.Errorf("expected status %s, got %s", ResultFailed, res.Status)
	}
	if h.executor.Calls() != 0 {
		t.Errorf("expected no Execute calls, got %d", h.executor.Calls())
	}
	if h.persisted(t).Lock.HolderID != "other-run" {
		t.Error("foreign lock must be left in place")
	}
}

func TestBuild_StepFailure(t *testing.T) {
	h := newHarness()
	h.provider.failCreate["ns-vpc"] = true
	cfg := testConfig(testStack("vpc"), testStack("app", "vpc"), testStack("dns"))

	res, err := h.runner(t, cfg).Run(context.Background(), Build{})
	if !errors.Is(err, engine.ErrPlanFailed) {
		t.Fatalf("expected ErrPlanFailed, got %v", err)
	}
	if diff := cmp.Diff([]string{"vpc"}, engine.FailedSteps(err)); diff != "" {
		t.Errorf("failed steps mismatch (-want +got):\n%s", diff)
	}
	if res.Status != ResultFailed {
		t.Errorf("expected status %s, got %s", ResultFailed, res.Status)
	}
	if diff := cmp.Diff([]string{"app"}, res.Outcome.SkippedDueToFailure); diff != "" {
		t.Errorf("skipped steps mismatch (-want +got):\n%s", diff)
	}

	blob := h.persisted(t)
	wantEdges := map[string][]string{"dns": {}}
	if diff := cmp.Diff(wantEdges, blob.Edges, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("persisted edges mismatch (-want +got):\n%s", diff)
	}
	if blob.Lock != nil {
		t.Error("lock should be released after a failed run")
	}
}

func TestBuild_OutputLookup(t *testing.T) {
	h := newHarness()
	h.provider.outputs["ns-vpc"] = map[string]string{"VpcId": "vpc-123"}

	app := testStack("app")
	app.Parameters = map[string]string{"VpcId": "${output vpc::VpcId}", "Name": "app"}
	cfg := testConfig(app, testStack("vpc"))

	if _, err := h.runner(t, cfg).Run(context.Background(), Build{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"create ns-vpc", "create ns-app"}, h.provider.Calls()); diff != "" {
		t.Errorf("provider calls mismatch (-want +got):\n%s", diff)
	}
	want := map[string]string{"VpcId": "vpc-123", "Name": "app"}
	if diff := cmp.Diff(want, h.provider.description("ns-app").Parameters); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_Hooks(t *testing.T) {
	h := newHarness()
	runner := hooks.NewRunner(zerolog.Nop())
	runner.Add(hooks.PreBuild, hooks.Hook{Name: "owner", Script: `tags = {"owner": "team-" + namespace}`})
	runner.Add(hooks.PostBuild, hooks.Hook{Name: "report", Script: `tags = {"outcome": outcome, "count": str(len(stacks))}`})

	cfg := testConfig(testStack("vpc"), testStack("app", "vpc"))
	if _, err := h.runner(t, cfg, func(o *Options) { o.Hooks = runner }).Run(context.Background(), Build{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	tags := h.persisted(t).Tags
	for key, want := range map[string]string{"owner": "team-ns", "outcome": "success", "count": "2"} {
		if tags[key] != want {
			t.Errorf("tag %s = %q, want %q", key, tags[key], want)
		}
	}
}

func TestBuild_PreHookFailureStopsRun(t *testing.T) {
	h := newHarness()
	runner := hooks.NewRunner(zerolog.Nop())
	runner.Add(hooks.PreBuild, hooks.Hook{Name: "freeze", Script: `fail = "change freeze in " + namespace`})

	res, err := h.runner(t, testConfig(testStack("vpc")), func(o *Options) { o.Hooks = runner }).
		Run(context.Background(), Build{})
	if !errors.Is(err, engine.ErrHookFailed) {
		t.Fatalf("expected ErrHookFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "change freeze in ns") {
		t.Errorf("error should carry the hook message, got %v", err)
	}
	if res.Status != ResultFailed {
		t.Errorf("expected status %s, got %s", ResultFailed, res.Status)
	}
	if h.executor.Calls() != 0 {
		t.Errorf("expected no Execute calls, got %d", h.executor.Calls())
	}
}

func TestBuild_PostHookFailureFailsRun(t *testing.T) {
	h := newHarness()
	runner := hooks.NewRunner(zerolog.Nop())
	runner.Add(hooks.PostBuild, hooks.Hook{Name: "verify", Script: `fail = "outcome was " + outcome`})

	res, err := h.runner(t, testConfig(testStack("vpc")), func(o *Options) { o.Hooks = runner }).
		Run(context.Background(), Build{})
	if !errors.Is(err, engine.ErrHookFailed) {
		t.Fatalf("expected ErrHookFailed, got %v", err)
	}
	if res.Status != ResultFailed {
		t.Errorf("expected status %s, got %s", ResultFailed, res.Status)
	}
	if _, ok := h.persisted(t).Edges["vpc"]; !ok {
		t.Error("the graph is written before post hooks run")
	}
}

func TestBuild_Cancelled(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := ExecutorFunc(func(ctx context.Context, plan *engine.Plan, rc *engine.RunContext) *engine.Outcome {
		cancel()
		return plan.Execute(ctx, rc)
	})

	cfg := testConfig(testStack("vpc"), testStack("app", "vpc"))
	res, err := h.runner(t, cfg, func(o *Options) { o.Executor = exec }).Run(ctx, Build{})
	if err != nil {
		t.Fatalf("cancellation is not an error, got %v", err)
	}
	if res.Status != ResultCancelled {
		t.Errorf("expected status %s, got %s", ResultCancelled, res.Status)
	}
	if diff := cmp.Diff([]string{"app", "vpc"}, res.Outcome.Pending); diff != "" {
		t.Errorf("pending steps mismatch (-want +got):\n%s", diff)
	}
	if len(h.provider.Calls()) != 0 {
		t.Errorf("expected no provider calls, got %v", h.provider.Calls())
	}
	if h.persisted(t).Lock != nil {
		t.Error("lock should be released after cancellation")
	}
}

func TestDestroy_RequiresConfirmation(t *testing.T) {
	h := newHarness()
	h.provider.deploy("ns-vpc", deployed("vpc"))
	h.provider.deploy("ns-app", deployed("app"))
	h.seed(t, &stores.GraphBlob{Edges: map[string][]string{"vpc": {}, "app": {"vpc"}}})
	cfg := testConfig(testStack("vpc"), testStack("app", "vpc"))

	res, err := h.runner(t, cfg).Run(context.Background(), Destroy{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != ResultNotConfirmed {
		t.Errorf("expected status %s, got %s", ResultNotConfirmed, res.Status)
	}
	if res.Status == ResultNoChanges {
		t.Error("an unconfirmed destroy must be distinguishable from no changes")
	}
	if h.executor.Calls() != 0 {
		t.Errorf("expected no Execute calls, got %d", h.executor.Calls())
	}
	if len(h.provider.Calls()) != 0 {
		t.Errorf("expected no provider calls, got %v", h.provider.Calls())
	}
	if res.Plan == nil || res.Plan.Direction() != engine.DirectionReverse || res.Plan.Len() != 2 {
		t.Errorf("expected the reverse plan to be returned for inspection")
	}
	if h.persisted(t).Lock != nil {
		t.Error("an unconfirmed destroy must not take the lock")
	}
}

func TestDestroy_Forced(t *testing.T) {
	h := newHarness()
	h.provider.settleAfter = 2
	h.provider.deploy("ns-vpc", deployed("vpc"))
	h.provider.deploy("ns-app", deployed("app"))
	h.provider.deploy("ns-legacy", deployed("legacy"))
	h.seed(t, &stores.GraphBlob{Edges: map[string][]string{
		"vpc":    {},
		"app":    {"vpc"},
		"legacy": {"vpc"},
	}})
	cfg := testConfig(testStack("vpc"), testStack("app", "vpc"), testStack("cache"))

	res, err := h.runner(t, cfg, func(o *Options) { o.Force = true }).Run(context.Background(), Destroy{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.executor.Calls() != 1 {
		t.Errorf("expected 1 Execute call, got %d", h.executor.Calls())
	}
	if res.Status != ResultSucceeded {
		t.Errorf("expected status %s, got %s", ResultSucceeded, res.Status)
	}

	calls := h.provider.Calls()
	if len(calls) != 3 || calls[2] != "destroy ns-vpc" {
		t.Errorf("vpc must be destroyed after its dependents, got %v", calls)
	}
	if diff := cmp.Diff([]string{"cache"}, res.Outcome.StepNames(engine.StatusSkipped)); diff != "" {
		t.Errorf("never deployed stacks are skipped (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app", "legacy", "vpc"}, res.Outcome.StepNames(engine.StatusComplete)); diff != "" {
		t.Errorf("complete steps mismatch (-want +got):\n%s", diff)
	}
	if len(h.persisted(t).Edges) != 0 {
		t.Errorf("expected an empty persisted graph, got %v", h.persisted(t).Edges)
	}
}

func TestDiff(t *testing.T) {
	h := newHarness()
	h.provider.deploy("ns-vpc", deployed("vpc"))
	appDesc := deployed("app")
	appDesc.Parameters = map[string]string{"Size": "1"}
	h.provider.deploy("ns-app", appDesc)

	app := testStack("app", "vpc")
	app.Parameters = map[string]string{"Size": "2"}
	cfg := testConfig(testStack("vpc"), app, testStack("cache"))

	res, err := h.runner(t, cfg).Run(context.Background(), Diff{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.provider.Calls()) != 0 {
		t.Errorf("diff must not change anything, got %v", h.provider.Calls())
	}
	if res.Status != ResultSucceeded {
		t.Errorf("expected status %s, got %s", ResultSucceeded, res.Status)
	}

	want := []Change{
		{Stack: "app", FQN: "ns-app", Action: ChangeUpdate, Details: []string{"parameter Size changed"}},
		{Stack: "cache", FQN: "ns-cache", Action: ChangeCreate},
		{Stack: "vpc", FQN: "ns-vpc", Action: ChangeNone},
	}
	if diff := cmp.Diff(want, res.Changes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	if _, version, _ := h.backend.Load(context.Background(), "ns"); version != "" {
		t.Error("diff must not write the persistent graph")
	}
}

func TestDiff_NoChanges(t *testing.T) {
	h := newHarness()
	h.provider.deploy("ns-vpc", deployed("vpc"))

	res, err := h.runner(t, testConfig(testStack("vpc"))).Run(context.Background(), Diff{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != ResultNoChanges {
		t.Errorf("expected status %s, got %s", ResultNoChanges, res.Status)
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	ctx := context.Background()
	store, err := stores.OpenSQLiteStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	defer store.Close()

	h := newHarness()
	cfg := testConfig(testStack("vpc"), testStack("app", "vpc"))
	res, err := h.runner(t, cfg, func(o *Options) { o.History = store }).Run(ctx, Build{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	runs, err := store.ListRuns(ctx, "ns", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].ID != res.RunID || runs[0].Status != stores.RunStatusSucceeded || runs[0].Action != ActionBuild {
		t.Errorf("unexpected run %+v", runs[0])
	}
	if runs[0].CompletedAt == nil {
		t.Error("finished run should have a completion time")
	}

	steps, err := store.ListStepResults(ctx, res.RunID)
	if err != nil {
		t.Fatalf("ListStepResults() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Status != string(engine.StatusComplete) {
			t.Errorf("step %s status = %s", s.StackName, s.Status)
		}
	}
}

func TestRunner_Plan(t *testing.T) {
	h := newHarness()
	h.seed(t, &stores.GraphBlob{Edges: map[string][]string{"vpc": {}, "old": {"vpc"}}})
	r := h.runner(t, testConfig(testStack("vpc"), testStack("app", "vpc")))

	plan, targets, err := r.Plan(context.Background(), Build{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Len() != 3 || len(targets) != 3 {
		t.Fatalf("expected 3 steps, got %d", plan.Len())
	}
	want := [][]string{{"old", "vpc"}, {"app"}}
	if diff := cmp.Diff(want, plan.Graph().Levels()); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
	if h.executor.Calls() != 0 {
		t.Error("Plan must not execute")
	}
}

func TestKindFor(t *testing.T) {
	for _, name := range []string{ActionBuild, ActionDestroy, ActionDiff} {
		kind, err := KindFor(name)
		if err != nil {
			t.Fatalf("KindFor(%s) error = %v", name, err)
		}
		if kind.Name() != name {
			t.Errorf("KindFor(%s).Name() = %s", name, kind.Name())
		}
	}
	if _, err := KindFor("deploy"); err == nil {
		t.Error("expected error for unknown action")
	}

	if !(Destroy{}).RequiresConfirmation() || (Build{}).RequiresConfirmation() {
		t.Error("only destroy requires confirmation")
	}
	if (Diff{}).LocksGraph() {
		t.Error("diff must not lock the graph")
	}
}

// syncBuffer collects log output written from step goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_LogsUndeliveredEvents(t *testing.T) {
	h := newHarness()
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	h.tel.Events = events

	var out syncBuffer
	r := h.runner(t, testConfig(testStack("vpc")), func(o *Options) {
		o.Logger = zerolog.New(&out).Level(zerolog.DebugLevel)
	})
	if _, err := r.Run(context.Background(), Build{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Failed to publish event") {
		t.Errorf("expected the dropped run event to be logged, got:\n%s", out.String())
	}
}
