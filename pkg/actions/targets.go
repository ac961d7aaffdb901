package actions

import (
	"sort"
	"strings"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/lookups"
)

// ProtectedTag is the persisted graph tag listing protected stacks, comma
// separated. It lets a later build notice that a protected stack was
// removed from the configuration.
const ProtectedTag = "stackrun:protected"

// Target is one stack of a run.
type Target struct {
	// Name is the stack name without namespace.
	Name string

	// FQN is the name the provider sees.
	FQN string

	// Requires lists the stacks this target waits for in build order.
	Requires []string

	// Stack is the configured stack, or nil for a stack that only exists
	// in the persisted graph.
	Stack *config.StackConfig

	// Protected stacks must not be destroyed.
	Protected bool
}

// Removed reports whether the target is no longer configured.
func (t *Target) Removed() bool {
	return t.Stack == nil
}

// TargetInput is what Kind.Targets selects from.
type TargetInput struct {
	Config    *config.Config
	Persisted engine.EdgeMap
	// Protected holds the stacks named by ProtectedTag.
	Protected map[string]bool
}

// forwardTargets returns the enabled configured stacks plus every persisted
// stack that is no longer declared. A removed stack requires every node
// that depended on it in the persisted graph, so it is destroyed only after
// those were updated or destroyed.
func forwardTargets(in *TargetInput) ([]*Target, error) {
	targets := configuredTargets(in.Config)
	present := targetSet(targets)

	removed := removedStacks(in.Config, in.Persisted)
	for _, name := range removed {
		present[name] = true
	}

	for _, name := range removed {
		targets = append(targets, &Target{
			Name:      name,
			FQN:       in.Config.FQN(name),
			Requires:  persistedDependents(in.Persisted, present, name),
			Protected: in.Protected[name],
		})
	}

	sortTargets(targets)
	return targets, nil
}

// persistedDependents returns the nodes of the run that depend on name in
// the persisted graph. A dependent that is not part of the run, such as a
// disabled stack, is still deployed: its own dependents are followed so
// that name waits for them as well.
func persistedDependents(persisted engine.EdgeMap, present map[string]bool, name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for node, deps := range persisted {
			if seen[node] || !contains(deps, cur) {
				continue
			}
			seen[node] = true
			if present[node] {
				out = append(out, node)
			} else {
				queue = append(queue, node)
			}
		}
	}
	sort.Strings(out)
	return out
}

// teardownTargets returns the enabled configured stacks plus every
// persisted stack that is no longer declared, each with the requirements
// it was deployed with.
func teardownTargets(in *TargetInput) ([]*Target, error) {
	targets := configuredTargets(in.Config)
	present := targetSet(targets)

	removed := removedStacks(in.Config, in.Persisted)
	for _, name := range removed {
		present[name] = true
	}

	for _, name := range removed {
		var requires []string
		for _, dep := range in.Persisted[name] {
			if present[dep] && dep != name {
				requires = append(requires, dep)
			}
		}
		sort.Strings(requires)
		targets = append(targets, &Target{
			Name:      name,
			FQN:       in.Config.FQN(name),
			Requires:  requires,
			Protected: in.Protected[name],
		})
	}

	sortTargets(targets)
	return targets, nil
}

// configuredTargets returns the enabled stacks. Output lookups in
// parameters add an implicit requirement on the referenced stack.
func configuredTargets(cfg *config.Config) []*Target {
	reqs := cfg.Requirements()
	enabled := make(map[string]bool, len(reqs))
	for name := range reqs {
		enabled[name] = true
	}

	stacks := cfg.EnabledStacks()
	targets := make([]*Target, 0, len(stacks))
	for i := range stacks {
		stack := stacks[i]
		requires := append([]string(nil), reqs[stack.Name]...)
		for _, dep := range lookups.Dependencies(stack.Parameters) {
			if dep == stack.Name {
				continue
			}
			if _, declared := cfg.Stack(dep); declared && !enabled[dep] {
				continue
			}
			requires = append(requires, dep)
		}
		targets = append(targets, &Target{
			Name:      stack.Name,
			FQN:       cfg.FQN(stack.Name),
			Requires:  dedupe(requires),
			Stack:     &stack,
			Protected: stack.Protected,
		})
	}
	return targets
}

// removedStacks returns persisted stacks the configuration no longer
// declares. Disabled stacks are still declared and are left alone.
func removedStacks(cfg *config.Config, persisted engine.EdgeMap) []string {
	var removed []string
	for name := range persisted {
		if _, declared := cfg.Stack(name); !declared {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// requirements returns the requirement map of targets for BuildGraph.
func requirements(targets []*Target) map[string][]string {
	reqs := make(map[string][]string, len(targets))
	for _, t := range targets {
		reqs[t.Name] = t.Requires
	}
	return reqs
}

// currentEdges returns the build-order edges of the configured targets
// whose names are in keep.
func currentEdges(targets []*Target, keep map[string]bool) engine.EdgeMap {
	edges := make(engine.EdgeMap)
	for _, t := range targets {
		if t.Removed() || !keep[t.Name] {
			continue
		}
		edges[t.Name] = append([]string(nil), t.Requires...)
	}
	return edges
}

// ParseProtectedTag splits a ProtectedTag value.
func ParseProtectedTag(value string) map[string]bool {
	out := make(map[string]bool)
	for _, name := range strings.Split(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

// FormatProtectedTag joins names into a ProtectedTag value.
func FormatProtectedTag(names map[string]bool) string {
	list := make([]string, 0, len(names))
	for name, ok := range names {
		if ok {
			list = append(list, name)
		}
	}
	sort.Strings(list)
	return strings.Join(list, ",")
}

func targetSet(targets []*Target) map[string]bool {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t.Name] = true
	}
	return set
}

func sortTargets(targets []*Target) {
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
