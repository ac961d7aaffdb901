// Package policy evaluates Open Policy Agent (Rego) policies against a plan
// before it executes.
//
// Every policy is queried at data.<package>.deny with an Input document:
//
//	{
//	  "action": "destroy",
//	  "namespace": "prod",
//	  "steps": [
//	    {"name": "db", "fqn": "prod-db", "operation": "destroy",
//	     "requires": ["vpc"], "protected": true, "tags": {"team": "data"}}
//	  ]
//	}
//
// A deny entry is either a message string or an object with message and
// optional severity and stack keys. Entries inherit the policy's severity
// when they do not set one. Error and critical violations block the plan;
// info and warning violations are reported only.
//
// # Built-in policies
//
//   - protected-stacks (critical): a protected stack may not be destroyed.
//   - destroy-blast-radius (warning): more than 10 destroyed stacks.
//   - stack-naming (error): names match ^[a-zA-Z][a-zA-Z0-9-]*$.
//
// # User policies
//
// A policy path is a .rego file, a JSON bundle file or a bundle directory.
// A .rego policy is named after its file and has error severity unless a
// "# severity: <level>" comment says otherwise. A bundle directory holds
// .rego files at any depth and an optional bundle.json:
//
//	{"name": "prod-guardrails", "version": "1.2.0",
//	 "policies": [{"name": "freeze", "rego": "package freeze ...", "severity": "critical"}]}
//
// Loader.Watch reloads every path on change:
//
//	eng, _ := policy.NewEngine(logger)
//	_ = eng.LoadPolicies(ctx, []string{"policies/"})
//	result, err := eng.Check(ctx, input)
//	if errors.Is(err, engine.ErrPolicyDenied) {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
package policy
