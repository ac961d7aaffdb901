package policy

// Names of the built-in policies.
const (
	ProtectedStacksPolicy    = "protected-stacks"
	DestroyBlastRadiusPolicy = "destroy-blast-radius"
	StackNamingPolicy        = "stack-naming"
)

// BlastRadiusLimit is the number of destroyed stacks above which the
// destroy-blast-radius policy warns.
const BlastRadiusLimit = 10

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedStacksPolicy(),
		destroyBlastRadiusPolicy(),
		stackNamingPolicy(),
	}
}

// protectedStacksPolicy forbids destroying stacks marked protected, whether
// by a destroy action or by a build that drops them from the configuration.
func protectedStacksPolicy() Policy {
	return Policy{
		Name:        ProtectedStacksPolicy,
		Description: "Forbids destroying stacks marked protected",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package stackrun.policies.protected

import rego.v1

deny contains violation if {
	some step in input.steps
	step.operation == "destroy"
	step.protected
	violation := {
		"message": sprintf("stack %s is protected and cannot be destroyed", [step.name]),
		"stack": step.name,
	}
}
`,
	}
}

// destroyBlastRadiusPolicy warns about destroys that touch many stacks.
func destroyBlastRadiusPolicy() Policy {
	return Policy{
		Name:        DestroyBlastRadiusPolicy,
		Description: "Warns when a plan destroys more than 10 stacks",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package stackrun.policies.blast_radius

import rego.v1

destroyed := [step.name | some step in input.steps; step.operation == "destroy"]

deny contains violation if {
	count(destroyed) > 10
	violation := {
		"message": sprintf("plan destroys %d stacks in namespace %s", [count(destroyed), input.namespace]),
	}
}
`,
	}
}

// stackNamingPolicy enforces stack naming conventions.
func stackNamingPolicy() Policy {
	return Policy{
		Name:        StackNamingPolicy,
		Description: "Stack names must start with a letter and contain only letters, digits and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package stackrun.policies.naming

import rego.v1

deny contains violation if {
	some step in input.steps
	not regex.match("^[a-zA-Z][a-zA-Z0-9-]*$", step.name)
	violation := {
		"message": sprintf("stack name '%s' must start with a letter and contain only letters, digits and hyphens", [step.name]),
		"stack": step.name,
	}
}
`,
	}
}
