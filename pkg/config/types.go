package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Provider types.
const (
	ProviderLocal          = "local"
	ProviderCloudFormation = "cloudformation"
)

// DefaultNamespaceDelimiter joins namespace and stack name.
const DefaultNamespaceDelimiter = "-"

// Config is a parsed stack configuration. The same structure is decoded
// from YAML, CUE (json tags) and HCL.
type Config struct {
	// Namespace prefixes every stack name and scopes the persistent graph.
	Namespace string `json:"namespace" yaml:"namespace" hcl:"namespace" validate:"required,stackname"`

	// NamespaceDelimiter joins namespace and stack name. Defaults to "-".
	NamespaceDelimiter string `json:"namespace_delimiter,omitempty" yaml:"namespace_delimiter,omitempty" hcl:"namespace_delimiter,optional"`

	// Concurrency bounds parallel stack operations. Zero means unbounded.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" hcl:"concurrency,optional" validate:"gte=0"`

	// Tags are applied to every stack and to the persistent graph.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" hcl:"tags,optional"`

	Provider        *ProviderConfig        `json:"provider,omitempty" yaml:"provider,omitempty" hcl:"provider,block"`
	PersistentGraph *PersistentGraphConfig `json:"persistent_graph,omitempty" yaml:"persistent_graph,omitempty" hcl:"persistent_graph,block"`
	History         *HistoryConfig         `json:"history,omitempty" yaml:"history,omitempty" hcl:"history,block"`
	Policy          *PolicyConfig          `json:"policy,omitempty" yaml:"policy,omitempty" hcl:"policy,block"`
	Hooks           *HooksConfig           `json:"hooks,omitempty" yaml:"hooks,omitempty" hcl:"hooks,block"`
	Poll            *PollConfig            `json:"poll,omitempty" yaml:"poll,omitempty" hcl:"poll,block"`

	// Stacks are the stack definitions, in declaration order.
	Stacks []StackConfig `json:"stacks" yaml:"stacks" hcl:"stack,block" validate:"dive"`

	// SourcePath is the file the configuration was loaded from.
	SourcePath string `json:"-" yaml:"-"`
}

// ProviderConfig selects the remote API stacks are deployed to.
type ProviderConfig struct {
	// Type is "local" or "cloudformation".
	Type string `json:"type" yaml:"type" hcl:"type" validate:"required,oneof=local cloudformation"`

	// Region is the AWS region for cloudformation.
	Region string `json:"region,omitempty" yaml:"region,omitempty" hcl:"region,optional"`

	// Path is the database file of the local provider.
	Path string `json:"path,omitempty" yaml:"path,omitempty" hcl:"path,optional"`

	// Settle is how long local stacks stay in progress, e.g. "2s".
	Settle string `json:"settle,omitempty" yaml:"settle,omitempty" hcl:"settle,optional" validate:"omitempty,duration"`
}

// PersistentGraphConfig selects where the persistent graph is stored.
type PersistentGraphConfig struct {
	Backend string `json:"backend" yaml:"backend" hcl:"backend" validate:"required,oneof=memory sqlite postgres s3 dynamodb"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" hcl:"path,optional"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty" hcl:"dsn,optional"`
	Bucket  string `json:"bucket,omitempty" yaml:"bucket,omitempty" hcl:"bucket,optional"`
	Key     string `json:"key,omitempty" yaml:"key,omitempty" hcl:"key,optional"`
	Table   string `json:"table,omitempty" yaml:"table,omitempty" hcl:"table,optional"`
	Region  string `json:"region,omitempty" yaml:"region,omitempty" hcl:"region,optional"`

	// LockTTL lets a run take over a lock older than this, e.g. "2h".
	// Empty means locks never expire.
	LockTTL string `json:"lock_ttl,omitempty" yaml:"lock_ttl,omitempty" hcl:"lock_ttl,optional" validate:"omitempty,duration"`
}

// HistoryConfig enables the run history database.
type HistoryConfig struct {
	Path string `json:"path" yaml:"path" hcl:"path" validate:"required"`
}

// PolicyConfig configures plan policy evaluation.
type PolicyConfig struct {
	// Paths lists .rego or .json policy files.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" hcl:"paths,optional"`

	// Disable lists built-in policies to skip.
	Disable []string `json:"disable,omitempty" yaml:"disable,omitempty" hcl:"disable,optional"`
}

// HooksConfig lists the Starlark hooks per lifecycle point.
type HooksConfig struct {
	PreBuild    []HookConfig `json:"pre_build,omitempty" yaml:"pre_build,omitempty" hcl:"pre_build,block" validate:"dive"`
	PostBuild   []HookConfig `json:"post_build,omitempty" yaml:"post_build,omitempty" hcl:"post_build,block" validate:"dive"`
	PreDestroy  []HookConfig `json:"pre_destroy,omitempty" yaml:"pre_destroy,omitempty" hcl:"pre_destroy,block" validate:"dive"`
	PostDestroy []HookConfig `json:"post_destroy,omitempty" yaml:"post_destroy,omitempty" hcl:"post_destroy,block" validate:"dive"`
}

// HookConfig is one Starlark script, inline or from a file.
type HookConfig struct {
	Name    string `json:"name" yaml:"name" hcl:"name,label" validate:"required"`
	Script  string `json:"script,omitempty" yaml:"script,omitempty" hcl:"script,optional" validate:"required_without=Path"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" hcl:"path,optional"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty" hcl:"timeout,optional" validate:"omitempty,duration"`
}

// PollConfig overrides the poll policy for submitted stacks.
type PollConfig struct {
	InitialInterval string `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty" hcl:"initial_interval,optional" validate:"omitempty,duration"`
	MaxInterval     string `json:"max_interval,omitempty" yaml:"max_interval,omitempty" hcl:"max_interval,optional" validate:"omitempty,duration"`
	MaxElapsed      string `json:"max_elapsed,omitempty" yaml:"max_elapsed,omitempty" hcl:"max_elapsed,optional" validate:"omitempty,duration"`
	MaxAttempts     int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" hcl:"max_attempts,optional" validate:"gte=0"`
}

// StackConfig declares one stack.
type StackConfig struct {
	// Name is unique within the config; the provider sees namespace + delimiter + name.
	Name string `json:"name" yaml:"name" hcl:"name,label" validate:"required,stackname"`

	// Requires lists stacks that must be deployed first.
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty" hcl:"requires,optional"`

	// TemplatePath is read relative to the config file.
	TemplatePath string `json:"template_path,omitempty" yaml:"template_path,omitempty" hcl:"template_path,optional"`

	// Template is an inline template body.
	Template string `json:"template,omitempty" yaml:"template,omitempty" hcl:"template,optional" validate:"required_without=TemplatePath"`

	// Parameters may contain ${output stack::Key} lookups.
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty" hcl:"parameters,optional"`

	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" hcl:"tags,optional"`

	// Protected stacks are never destroyed.
	Protected bool `json:"protected,omitempty" yaml:"protected,omitempty" hcl:"protected,optional"`

	// Enabled defaults to true; disabled stacks are ignored.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty" hcl:"enabled,optional"`
}

// IsEnabled reports whether the stack takes part in runs.
func (s StackConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "stacks[1].requires").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Err is the engine error the problem corresponds to, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// Unwrap returns the underlying engine error.
func (e ValidationError) Unwrap() error {
	return e.Err
}

// ValidationErrors is a list of validation errors reported together.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// FQN returns the fully qualified name of a stack.
func (c *Config) FQN(name string) string {
	if c.Namespace == "" {
		return name
	}
	return c.Namespace + c.delimiter() + name
}

func (c *Config) delimiter() string {
	if c.NamespaceDelimiter == "" {
		return DefaultNamespaceDelimiter
	}
	return c.NamespaceDelimiter
}

// EnabledStacks returns the stacks that take part in runs.
func (c *Config) EnabledStacks() []StackConfig {
	stacks := make([]StackConfig, 0, len(c.Stacks))
	for _, s := range c.Stacks {
		if s.IsEnabled() {
			stacks = append(stacks, s)
		}
	}
	return stacks
}

// Stack returns the named stack, enabled or not.
func (c *Config) Stack(name string) (StackConfig, bool) {
	for _, s := range c.Stacks {
		if s.Name == name {
			return s, true
		}
	}
	return StackConfig{}, false
}

// Requirements returns the requirement map of the enabled stacks.
// Requirements on disabled stacks are dropped.
func (c *Config) Requirements() map[string][]string {
	enabled := make(map[string]struct{})
	for _, s := range c.EnabledStacks() {
		enabled[s.Name] = struct{}{}
	}

	reqs := make(map[string][]string, len(enabled))
	for _, s := range c.EnabledStacks() {
		deps := make([]string, 0, len(s.Requires))
		for _, dep := range s.Requires {
			if _, ok := enabled[dep]; ok {
				deps = append(deps, dep)
			} else if _, declared := c.Stack(dep); !declared {
				// Unknown names are kept so graph construction reports them.
				deps = append(deps, dep)
			}
		}
		reqs[s.Name] = deps
	}
	return reqs
}

// PollPolicy converts the poll block into an engine poll policy.
func (c *Config) PollPolicy() engine.PollPolicy {
	policy := engine.DefaultPollPolicy()
	if c.Poll == nil {
		return policy
	}
	if d, ok := parseDuration(c.Poll.InitialInterval); ok {
		policy.InitialInterval = d
	}
	if d, ok := parseDuration(c.Poll.MaxInterval); ok {
		policy.MaxInterval = d
	}
	if d, ok := parseDuration(c.Poll.MaxElapsed); ok {
		policy.MaxElapsed = d
	}
	if c.Poll.MaxAttempts > 0 {
		policy.MaxAttempts = c.Poll.MaxAttempts
	}
	return policy
}

// LockTTL returns the configured lock TTL, or zero.
func (c *Config) LockTTL() time.Duration {
	if c.PersistentGraph == nil {
		return 0
	}
	d, _ := parseDuration(c.PersistentGraph.LockTTL)
	return d
}

// SettleDelay returns the local provider settle delay, or zero.
func (c *Config) SettleDelay() time.Duration {
	if c.Provider == nil {
		return 0
	}
	d, _ := parseDuration(c.Provider.Settle)
	return d
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
