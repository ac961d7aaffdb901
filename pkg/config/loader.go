package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// Supported configuration formats.
const (
	FormatYAML = "yaml"
	FormatCUE  = "cue"
	FormatHCL  = "hcl"
)

// FormatFor returns the format implied by a file extension.
func FormatFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported configuration format %q", filepath.Ext(path))
	}
}

// Load reads, decodes and validates the configuration at path. Stack
// templates given by template_path are read relative to the file.
func Load(ctx context.Context, path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(ctx, path, content)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadTemplates(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes content in the format implied by filename and validates it.
// Templates are not read.
func Parse(ctx context.Context, filename string, content []byte) (*Config, error) {
	format, err := FormatFor(filename)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	switch format {
	case FormatYAML:
		cfg, err = parseYAML(filename, content)
	case FormatCUE:
		cfg, err = NewCUEParser().Parse(ctx, filename, content)
	case FormatHCL:
		cfg, err = parseHCL(filename, content)
	}
	if err != nil {
		return nil, err
	}

	cfg.SourcePath = filename
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", filename, err)
	}
	return cfg, nil
}

func parseYAML(filename string, content []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("configuration %s is empty", filename)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return &cfg, nil
}

// hclEvalContext exposes the process environment as env.NAME.
func hclEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !validIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}

	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

func parseHCL(filename string, content []byte) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(content, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, hclEvalContext(), &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	return &cfg, nil
}

// LoadTemplates reads template_path files relative to baseDir into
// Template for every stack that has no inline template.
func (c *Config) LoadTemplates(baseDir string) error {
	for i := range c.Stacks {
		stack := &c.Stacks[i]
		if stack.Template != "" || stack.TemplatePath == "" {
			continue
		}
		path := stack.TemplatePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template for stack %s: %w", stack.Name, err)
		}
		stack.Template = string(body)
	}

	if c.Hooks == nil {
		return nil
	}
	for _, hooks := range [][]HookConfig{c.Hooks.PreBuild, c.Hooks.PostBuild, c.Hooks.PreDestroy, c.Hooks.PostDestroy} {
		for i := range hooks {
			hook := &hooks[i]
			if hook.Script != "" || hook.Path == "" {
				continue
			}
			path := hook.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read hook %s: %w", hook.Name, err)
			}
			hook.Script = string(body)
		}
	}
	return nil
}
