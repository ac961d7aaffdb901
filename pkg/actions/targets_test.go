package actions

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/lookups"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

func disabled(s config.StackConfig) config.StackConfig {
	off := false
	s.Enabled = &off
	return s
}

// requiresOf maps target names to their requirements and marks removed
// targets with a trailing "!".
func requiresOf(targets []*Target) map[string][]string {
	out := make(map[string][]string, len(targets))
	for _, t := range targets {
		name := t.Name
		if t.Removed() {
			name += "!"
		}
		out[name] = t.Requires
	}
	return out
}

func TestForwardTargets(t *testing.T) {
	tests := []struct {
		name      string
		stacks    []config.StackConfig
		persisted engine.EdgeMap
		want      map[string][]string
	}{
		{
			name:   "configured only",
			stacks: []config.StackConfig{testStack("vpc"), testStack("app", "vpc")},
			want:   map[string][]string{"vpc": {}, "app": {"vpc"}},
		},
		{
			name:      "removed stack waits for its persisted dependents",
			stacks:    []config.StackConfig{testStack("vpc"), testStack("app", "vpc")},
			persisted: engine.EdgeMap{"vpc": {}, "db": {"vpc"}, "app": {"vpc", "db"}},
			want:      map[string][]string{"vpc": {}, "app": {"vpc"}, "db!": {"app"}},
		},
		{
			name:      "chain of removed stacks",
			stacks:    []config.StackConfig{testStack("vpc")},
			persisted: engine.EdgeMap{"vpc": {}, "db": {"vpc"}, "api": {"db"}},
			want:      map[string][]string{"vpc": {}, "db!": {"api"}, "api!": {}},
		},
		{
			name:      "disabled stacks are not removed",
			stacks:    []config.StackConfig{testStack("vpc"), disabled(testStack("app", "vpc"))},
			persisted: engine.EdgeMap{"vpc": {}, "app": {"vpc"}},
			want:      map[string][]string{"vpc": {}},
		},
		{
			name:      "removed stack waits through a disabled dependent",
			stacks:    []config.StackConfig{testStack("vpc"), disabled(testStack("cache")), testStack("api", "vpc")},
			persisted: engine.EdgeMap{"vpc": {}, "old": {}, "cache": {"old"}, "api": {"vpc", "cache"}},
			want:      map[string][]string{"vpc": {}, "api": {"vpc"}, "old!": {"api"}},
		},
		{
			name:      "disabled dependent without dependents of its own",
			stacks:    []config.StackConfig{testStack("vpc"), disabled(testStack("cache"))},
			persisted: engine.EdgeMap{"vpc": {}, "old": {}, "cache": {"old"}},
			want:      map[string][]string{"vpc": {}, "old!": {}},
		},
		{
			name:      "cycle through disabled dependents terminates",
			stacks:    []config.StackConfig{testStack("vpc"), disabled(testStack("a")), disabled(testStack("b"))},
			persisted: engine.EdgeMap{"vpc": {"b"}, "old": {}, "a": {"old", "b"}, "b": {"a"}},
			want:      map[string][]string{"vpc": {}, "old!": {"vpc"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &TargetInput{
				Config:    testConfig(tt.stacks...),
				Persisted: tt.persisted,
				Protected: map[string]bool{},
			}
			targets, err := forwardTargets(in)
			if err != nil {
				t.Fatalf("forwardTargets() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, requiresOf(targets), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("targets mismatch (-want +got):\n%s", diff)
			}
			if _, err := engine.BuildGraph(requirements(targets)); err != nil {
				t.Errorf("targets do not form a valid graph: %v", err)
			}
		})
	}
}

func TestTeardownTargets(t *testing.T) {
	in := &TargetInput{
		Config: testConfig(testStack("vpc"), testStack("app", "vpc"), disabled(testStack("cache", "vpc"))),
		Persisted: engine.EdgeMap{
			"vpc":    {},
			"app":    {"vpc"},
			"cache":  {"vpc"},
			"legacy": {"vpc", "gone"},
		},
		Protected: map[string]bool{"legacy": true},
	}

	targets, err := teardownTargets(in)
	if err != nil {
		t.Fatalf("teardownTargets() error = %v", err)
	}
	want := map[string][]string{
		"vpc":     {},
		"app":     {"vpc"},
		"legacy!": {"vpc"},
	}
	if diff := cmp.Diff(want, requiresOf(targets), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}

	for _, target := range targets {
		if target.Name == "legacy" && !target.Protected {
			t.Error("legacy should carry its protection from the graph tag")
		}
		if target.Name == "gone" {
			t.Error("gone is not in the persisted graph and must not be a target")
		}
	}
}

func TestConfiguredTargets_LookupDependencies(t *testing.T) {
	app := testStack("app")
	app.Parameters = map[string]string{
		"VpcId":  "${output vpc::VpcId}",
		"Self":   "${output app::Name}",
		"Cache":  "${output cache::Endpoint}",
		"Static": "plain",
	}
	cfg := testConfig(testStack("vpc"), app, disabled(testStack("cache")))

	got := requiresOf(configuredTargets(cfg))
	want := map[string][]string{"vpc": {}, "app": {"vpc"}}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestConfiguredTargets_FQNAndProtection(t *testing.T) {
	vpc := testStack("vpc")
	vpc.Protected = true
	cfg := testConfig(vpc)
	cfg.NamespaceDelimiter = "--"

	targets := configuredTargets(cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].FQN != "ns--vpc" {
		t.Errorf("FQN = %q, want %q", targets[0].FQN, "ns--vpc")
	}
	if !targets[0].Protected || targets[0].Removed() {
		t.Errorf("unexpected target %+v", targets[0])
	}
}

func TestCurrentEdges(t *testing.T) {
	targets := []*Target{
		{Name: "vpc", Stack: &config.StackConfig{Name: "vpc"}},
		{Name: "app", Requires: []string{"vpc"}, Stack: &config.StackConfig{Name: "app"}},
		{Name: "old"},
	}
	got := currentEdges(targets, map[string]bool{"app": true, "old": true})
	want := engine.EdgeMap{"app": {"vpc"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestProtectedTag(t *testing.T) {
	got := ParseProtectedTag(" vpc, db ,,app")
	want := map[string]bool{"vpc": true, "db": true, "app": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseProtectedTag mismatch (-want +got):\n%s", diff)
	}
	if s := FormatProtectedTag(got); s != "app,db,vpc" {
		t.Errorf("FormatProtectedTag() = %q", s)
	}
	if len(ParseProtectedTag("")) != 0 {
		t.Error("empty tag should parse to no stacks")
	}
	if s := FormatProtectedTag(map[string]bool{"vpc": false}); s != "" {
		t.Errorf("FormatProtectedTag() = %q, want empty", s)
	}
}

func TestDestroyOperation(t *testing.T) {
	tests := []struct {
		name        string
		deployed    bool
		settleAfter int
		want        []engine.Status
		wantReasons []string
		wantChanges []Change
	}{
		{
			name: "absent stack",
			want: []engine.Status{engine.StatusSkipped},
		},
		{
			name:        "teardown settles on the next read",
			deployed:    true,
			settleAfter: 1,
			want:        []engine.Status{engine.StatusSubmitted, engine.StatusComplete},
			wantChanges: []Change{{Stack: "vpc", FQN: "ns-vpc", Action: ChangeDelete}},
		},
		{
			name:        "teardown still in progress",
			deployed:    true,
			settleAfter: 3,
			want: []engine.Status{
				engine.StatusSubmitted, engine.StatusSubmitted, engine.StatusSubmitted, engine.StatusComplete,
			},
			wantReasons: []string{"submitted for destruction", "destroying stack", "destroying stack", "stack destroyed"},
			wantChanges: []Change{{Stack: "vpc", FQN: "ns-vpc", Action: ChangeDelete}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			p.settleAfter = tt.settleAfter
			rc := &engine.RunContext{Namespace: "ns", Provider: p}
			rs := newRunState(ActionDestroy, "run-1", testConfig(), nil, telemetry.NewLoggerFrom(rc.Logger))
			target := &Target{Name: "vpc", FQN: "ns-vpc"}
			if tt.deployed {
				p.deploy("ns-vpc", deployed("vpc"))
			}

			op := rs.destroyOperation(target)
			previous := engine.StatusPending
			var reasons []string
			for i, want := range tt.want {
				res, err := op(t.Context(), rc, previous)
				if err != nil {
					t.Fatalf("call %d: unexpected error %v", i, err)
				}
				if res.Status != want {
					t.Fatalf("call %d: status = %s, want %s", i, res.Status, want)
				}
				reasons = append(reasons, res.Reason)
				previous = res.Status
			}

			if tt.wantReasons != nil {
				if diff := cmp.Diff(tt.wantReasons, reasons); diff != "" {
					t.Errorf("reasons mismatch (-want +got):\n%s", diff)
				}
			}
			if tt.deployed {
				if diff := cmp.Diff([]string{"destroy ns-vpc"}, p.Calls()); diff != "" {
					t.Errorf("destroy must be requested once (-want +got):\n%s", diff)
				}
			}
			if diff := cmp.Diff(tt.wantChanges, rs.Changes(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDestroyOperation_SubmittedStaysSubmitted(t *testing.T) {
	p := newFakeProvider()
	p.settleAfter = 100
	rc := &engine.RunContext{Namespace: "ns", Provider: p}
	rs := newRunState(ActionDestroy, "run-1", testConfig(), nil, telemetry.NewLoggerFrom(rc.Logger))
	p.deploy("ns-vpc", deployed("vpc"))

	op := rs.destroyOperation(&Target{Name: "vpc", FQN: "ns-vpc"})
	res, err := op(t.Context(), rc, engine.StatusPending)
	if err != nil || res.Status != engine.StatusSubmitted {
		t.Fatalf("first call: got %v, %v; want SUBMITTED", res.Status, err)
	}

	for i := 0; i < 5; i++ {
		res, err := op(t.Context(), rc, engine.StatusSubmitted)
		if err != nil {
			t.Fatalf("poll %d: unexpected error %v", i, err)
		}
		if res.Status != engine.StatusSubmitted {
			t.Fatalf("poll %d: status = %s, want SUBMITTED while the teardown runs", i, res.Status)
		}
	}
	if len(rs.Changes()) != 0 {
		t.Errorf("no change should be recorded before the stack is gone, got %+v", rs.Changes())
	}
}

func TestLaunchOperation_UpdateOfFailedStack(t *testing.T) {
	tests := []struct {
		name       string
		noop       bool
		wantStatus engine.Status
		wantErr    bool
		wantChange ChangeAction
	}{
		{name: "no updates to perform", noop: true, wantStatus: engine.StatusComplete, wantChange: ChangeNone},
		{name: "update applied", wantStatus: engine.StatusComplete, wantChange: ChangeUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			p.noopUpdate["ns-vpc"] = tt.noop
			rc := &engine.RunContext{Namespace: "ns", Provider: p}
			cfg := testConfig(config.StackConfig{Name: "vpc", Template: "vpc-template-v2"})
			rs := newRunState(ActionBuild, "run-1", cfg, lookups.NewResolver(), telemetry.NewLoggerFrom(rc.Logger))
			target := &Target{Name: "vpc", FQN: "ns-vpc", Stack: &cfg.Stacks[0]}

			// The last update rolled back; the stack is settled but failed.
			p.deploy("ns-vpc", deployed("vpc"))
			p.setStatus("ns-vpc", fakeFailed)

			op := rs.launchOperation(target)
			res, err := op(t.Context(), rc, engine.StatusPending)
			if err != nil || res.Status != engine.StatusSubmitted {
				t.Fatalf("first call: got %v, %v; want SUBMITTED", res.Status, err)
			}

			res, err = op(t.Context(), rc, engine.StatusSubmitted)
			if err != nil {
				t.Fatalf("second call: unexpected error %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Fatalf("second call: status = %s, want %s", res.Status, tt.wantStatus)
			}
			changes := rs.Changes()
			if len(changes) != 1 || changes[0].Action != tt.wantChange {
				t.Errorf("changes = %+v, want one %s", changes, tt.wantChange)
			}
		})
	}
}

func TestCompareState(t *testing.T) {
	desc := &engine.Description{
		Template:   []byte("body"),
		Parameters: map[string]string{"A": "1", "B": "2"},
		Tags:       map[string]string{"team": "core"},
	}
	state := &engine.StackState{
		TemplateHash: desc.TemplateHash(),
		Parameters:   map[string]string{"A": "1", "B": "3", "C": "x"},
		Tags:         map[string]string{"team": "core", "extra": "kept"},
	}

	want := []string{"parameter B changed", "parameter C removed"}
	if diff := cmp.Diff(want, compareState(state, desc)); diff != "" {
		t.Errorf("compareState mismatch (-want +got):\n%s", diff)
	}

	state.TemplateHash = "other"
	state.Parameters = map[string]string{"A": "1", "B": "2"}
	state.Tags = nil
	want = []string{"template changed", "tag team changed"}
	if diff := cmp.Diff(want, compareState(state, desc)); diff != "" {
		t.Errorf("compareState mismatch (-want +got):\n%s", diff)
	}
}
