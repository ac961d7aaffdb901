package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block execution.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block execution and must never be overridden.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Stack is the stack that violated the policy, if any.
	Stack string `json:"stack,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating a plan.
type Result struct {
	// Allowed is false when any error or critical violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists error and critical violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists info and warning violations, plus policies that failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document a policy sees as input.
type Input struct {
	// Action is build, destroy or diff.
	Action string `json:"action"`

	// Namespace is the configured namespace.
	Namespace string `json:"namespace"`

	// Steps lists every stack the plan touches.
	Steps []StepInput `json:"steps"`
}

// StepInput describes one stack in the plan.
type StepInput struct {
	Name string `json:"name"`
	FQN  string `json:"fqn"`

	// Operation is launch, destroy or diff.
	Operation string `json:"operation"`

	Requires  []string          `json:"requires"`
	Protected bool              `json:"protected"`
	Tags      map[string]string `json:"tags"`
}

// Operations a step can perform.
const (
	OperationLaunch  = "launch"
	OperationDestroy = "destroy"
	OperationDiff    = "diff"
)

// Bundle is a set of stack policies shipped together, either as a JSON file
// or as a directory of .rego files with an optional bundle.json.
type Bundle struct {
	// Name is the bundle name, by default the file or directory name.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// Source is the path the bundle was read from.
	Source string `json:"-"`
}

// source is the file a user policy was read from.
func (p Policy) source() string {
	if s, ok := p.Metadata["source"].(string); ok {
		return s
	}
	return "builtin"
}
