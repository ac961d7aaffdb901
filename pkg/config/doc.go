// Package config loads stackrun configuration files.
//
// # Formats
//
// The format is chosen by file extension:
//
//   - .yaml / .yml: decoded with gopkg.in/yaml.v3; unknown keys are errors.
//   - .cue: unified with the built-in #Config schema (see SchemaRegistry)
//     so type and constraint violations are reported with CUE positions.
//   - .hcl: decoded with gohcl; the process environment is available as
//     env.NAME. Lookups must be escaped as $${output stack::Key}.
//
// Every format decodes into the same Config and is then checked by
// Validate: struct rules via go-playground/validator, unique stack names,
// and requirements that refer to declared stacks.
//
// # Example
//
//	namespace: prod
//	concurrency: 4
//	provider:
//	  type: cloudformation
//	  region: eu-west-1
//	persistent_graph:
//	  backend: s3
//	  bucket: my-state
//	  lock_ttl: 2h
//	stacks:
//	  - name: vpc
//	    template_path: templates/vpc.json
//	  - name: app
//	    requires: [vpc]
//	    template_path: templates/app.json
//	    parameters:
//	      VpcId: ${output vpc::VpcId}
//
// Disabled stacks (enabled: false) are excluded from runs; requirements on
// them are dropped.
package config
