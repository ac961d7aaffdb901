package config

import (
	"context"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
)

// CUEParser parses CUE configuration files. The file is unified with the
// built-in #Config schema before decoding, so type and constraint errors are
// reported with CUE positions.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser. Values are compiled in the schema
// registry's context so they can be unified with its schemas.
func NewCUEParser() *CUEParser {
	sr := NewSchemaRegistry()
	return &CUEParser{
		ctx:            sr.ctx,
		schemaRegistry: sr,
	}
}

// Parse parses CUE source named filename.
func (cp *CUEParser) Parse(ctx context.Context, filename string, content []byte) (*Config, error) {
	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	unified, err := cp.schemaRegistry.Unify("config", val)
	if err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SourcePath = filename
	return &cfg, nil
}

// convertCUEErrors converts CUE errors into a ValidationErrors list.
func (cp *CUEParser) convertCUEErrors(err error) error {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	if len(validationErrors) == 0 {
		return err
	}
	return validationErrors
}
