// Package hooks runs Starlark scripts at the lifecycle points of a build or
// destroy action.
//
// Each script sees the predeclared globals namespace, action and stacks
// (a list of stack names). Post hooks also see outcome, which is one of
// "success", "failed" or "skipped". A script may set:
//
//   - fail: a non-empty string aborts the action with that message.
//   - tags: a dict of strings merged into the persisted graph tags.
//
// Example:
//
//	if namespace == "prod" and len(stacks) > 20:
//	    fail = "refusing to touch more than 20 prod stacks"
//	tags = {"last_action": action}
package hooks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
)

// Point is a lifecycle point at which hooks run.
type Point string

// Lifecycle points.
const (
	PreBuild    Point = "pre_build"
	PostBuild   Point = "post_build"
	PreDestroy  Point = "pre_destroy"
	PostDestroy Point = "post_destroy"
)

// Outcome values passed to post hooks.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Hook is one compiled-in Starlark script.
type Hook struct {
	Name    string
	Script  string
	Timeout time.Duration
}

// Input is what a hook script sees.
type Input struct {
	Namespace string
	Action    string
	Stacks    []string
	// Outcome is empty for pre hooks.
	Outcome string
}

func (in Input) globals() map[string]interface{} {
	stacks := append([]string(nil), in.Stacks...)
	sort.Strings(stacks)
	globals := map[string]interface{}{
		"namespace": in.Namespace,
		"action":    in.Action,
		"stacks":    stacks,
	}
	if in.Outcome != "" {
		globals["outcome"] = in.Outcome
	}
	return globals
}

// Runner holds the hooks for every lifecycle point.
type Runner struct {
	hooks  map[Point][]Hook
	logger zerolog.Logger
}

// NewRunner creates a runner with no hooks.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		hooks:  make(map[Point][]Hook),
		logger: logger,
	}
}

// FromConfig builds a runner from the hooks section of a configuration.
// Scripts must already be loaded (see config.Config.LoadTemplates).
func FromConfig(cfg *config.HooksConfig, logger zerolog.Logger) (*Runner, error) {
	r := NewRunner(logger)
	if cfg == nil {
		return r, nil
	}

	sections := []struct {
		point Point
		hooks []config.HookConfig
	}{
		{PreBuild, cfg.PreBuild},
		{PostBuild, cfg.PostBuild},
		{PreDestroy, cfg.PreDestroy},
		{PostDestroy, cfg.PostDestroy},
	}
	for _, section := range sections {
		for _, hc := range section.hooks {
			var timeout time.Duration
			if hc.Timeout != "" {
				d, err := time.ParseDuration(hc.Timeout)
				if err != nil {
					return nil, fmt.Errorf("hook %s: invalid timeout %q: %w", hc.Name, hc.Timeout, err)
				}
				timeout = d
			}
			if hc.Script == "" {
				return nil, fmt.Errorf("hook %s has no script", hc.Name)
			}
			r.Add(section.point, Hook{Name: hc.Name, Script: hc.Script, Timeout: timeout})
		}
	}
	return r, nil
}

// Add registers a hook at point. Hooks run in registration order.
func (r *Runner) Add(point Point, hook Hook) {
	r.hooks[point] = append(r.hooks[point], hook)
}

// Hooks returns the hooks registered at point.
func (r *Runner) Hooks(point Point) []Hook {
	return r.hooks[point]
}

// Run executes the hooks at point in order and returns the merged tags they
// set. Later hooks override earlier ones key by key. The first hook that
// errors or sets fail stops the run with an ErrHookFailed.
func (r *Runner) Run(ctx context.Context, point Point, in Input) (map[string]string, error) {
	tags := make(map[string]string)
	if r == nil {
		return tags, nil
	}

	for _, hook := range r.hooks[point] {
		logger := r.logger.With().Str("hook", hook.Name).Str("point", string(point)).Logger()
		evaluator := NewStarlarkEvaluator(hook.Timeout, logger)

		result, err := evaluator.Evaluate(ctx, hook.Name, hook.Script, in.globals())
		if err != nil {
			return nil, hookFailed(hook.Name, point, "script error", err)
		}
		logger.Debug().Dur("duration", result.ExecutionTime).Msg("Hook executed")

		if msg, ok := result.Output["fail"]; ok && msg != nil {
			s, isString := msg.(string)
			if !isString {
				return nil, hookFailed(hook.Name, point, fmt.Sprintf("fail must be a string, got %T", msg), nil)
			}
			if s != "" {
				return nil, hookFailed(hook.Name, point, s, nil)
			}
		}

		hookTags, err := tagsFrom(result.Output["tags"])
		if err != nil {
			return nil, hookFailed(hook.Name, point, err.Error(), nil)
		}
		for k, v := range hookTags {
			tags[k] = v
		}
	}
	return tags, nil
}

func tagsFrom(v interface{}) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tags must be a dict, got %T", v)
	}
	tags := make(map[string]string, len(dict))
	for k, val := range dict {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("tag %s must be a string, got %T", k, val)
		}
		tags[k] = s
	}
	return tags, nil
}

func hookFailed(name string, point Point, message string, err error) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf("hook %s failed: %s", name, message), err).
		WithCode(engine.ErrCodeHookFailed).
		WithOperation(string(point)).
		WithDetail("hook", name)
}
