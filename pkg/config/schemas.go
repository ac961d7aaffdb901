package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// source defining one definition named after the schema, e.g. #Config.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	sr.mu.RLock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.RUnlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateConfig checks a decoded configuration against the #Config schema.
// CUE files are unified with it while parsing; YAML and HCL files are
// checked here.
func (sr *SchemaRegistry) ValidateConfig(ctx context.Context, cfg *Config) error {
	data := *cfg
	if data.Stacks == nil {
		data.Stacks = []StackConfig{}
	}
	return sr.ValidateAgainstSchema(ctx, "config", &data)
}

const builtinConfigSchema = `
#Name: =~"^[a-zA-Z][a-zA-Z0-9-]*$"

#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Hook: {
	name:     string
	script?:  string
	path?:    string
	timeout?: #Duration
}

#Stack: {
	name:           #Name
	requires?:      [...#Name]
	template_path?: string
	template?:      string
	parameters?:    {[string]: string}
	tags?:          {[string]: string}
	protected?:     bool
	enabled?:       bool
}

#Config: {
	namespace:            #Name
	namespace_delimiter?: string
	concurrency?:         int & >=0
	tags?:                {[string]: string}

	provider?: {
		type:    "local" | "cloudformation"
		region?: string
		path?:   string
		settle?: #Duration
	}

	persistent_graph?: {
		backend:   "memory" | "sqlite" | "postgres" | "s3" | "dynamodb"
		path?:     string
		dsn?:      string
		bucket?:   string
		key?:      string
		table?:    string
		region?:   string
		lock_ttl?: #Duration
	}

	history?: path: string

	policy?: {
		paths?:   [...string]
		disable?: [...string]
	}

	hooks?: {
		pre_build?:    [...#Hook]
		post_build?:   [...#Hook]
		pre_destroy?:  [...#Hook]
		post_destroy?: [...#Hook]
	}

	poll?: {
		initial_interval?: #Duration
		max_interval?:     #Duration
		max_elapsed?:      #Duration
		max_attempts?:     int & >=0
	}

	stacks: [...#Stack]
}
`
