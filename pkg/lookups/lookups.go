// Package lookups resolves ${handler argument} references inside stack
// parameter values.
//
// Two handlers are built in:
//
//	${output vpc::VpcId}          output VpcId of stack vpc in this config
//	${xref prod-vpc::VpcId}       output of a fully qualified stack (deprecated)
//
// The output handler expands the stack name to its fully qualified name and
// implies a dependency on that stack; see Dependencies.
package lookups

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Handler names.
const (
	HandlerOutput = "output"
	HandlerXref   = "xref"
)

// XrefDeprecationMessage is logged the first time an xref handler is used.
const XrefDeprecationMessage = "xref lookup has been deprecated; use the output lookup instead"

// lookupRegex matches ${handler argument}.
var lookupRegex = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\s+([^}]*)\}`)

// Context carries what handlers need to resolve a value.
type Context struct {
	// Provider reads stack outputs.
	Provider engine.Provider

	// FQN expands a config stack name to its fully qualified name.
	FQN func(name string) string

	// Logger receives handler warnings.
	Logger zerolog.Logger
}

// Handler resolves the argument of one lookup type.
type Handler interface {
	Name() string
	Handle(ctx context.Context, lc *Context, argument string) (string, error)
}

// OutputReference is a parsed "stack::Output" argument.
type OutputReference struct {
	StackName  string
	OutputName string
}

// ParseOutputReference splits "stack::Output".
func ParseOutputReference(argument string) (OutputReference, error) {
	stack, output, ok := strings.Cut(strings.TrimSpace(argument), "::")
	if !ok || stack == "" || output == "" || strings.Contains(output, "::") {
		return OutputReference{}, fmt.Errorf("invalid output reference %q, expected <stack>::<output>", argument)
	}
	return OutputReference{StackName: stack, OutputName: output}, nil
}

// OutputHandler reads an output of a stack declared in the same config.
type OutputHandler struct{}

// Name returns "output".
func (OutputHandler) Name() string { return HandlerOutput }

// Handle resolves "stack::Output" against the fully qualified stack.
func (OutputHandler) Handle(ctx context.Context, lc *Context, argument string) (string, error) {
	ref, err := ParseOutputReference(argument)
	if err != nil {
		return "", err
	}
	fqn := ref.StackName
	if lc.FQN != nil {
		fqn = lc.FQN(ref.StackName)
	}
	return readOutput(ctx, lc, fqn, ref.OutputName)
}

// XrefHandler reads an output of a stack by its fully qualified name. It
// warns about its deprecation once per handler.
type XrefHandler struct {
	warnOnce sync.Once
}

// Name returns "xref".
func (*XrefHandler) Name() string { return HandlerXref }

// Handle resolves "fqn::Output" without expanding the stack name.
func (h *XrefHandler) Handle(ctx context.Context, lc *Context, argument string) (string, error) {
	h.warnOnce.Do(func() {
		lc.Logger.Warn().Msg(XrefDeprecationMessage)
	})

	ref, err := ParseOutputReference(argument)
	if err != nil {
		return "", err
	}
	return readOutput(ctx, lc, ref.StackName, ref.OutputName)
}

func readOutput(ctx context.Context, lc *Context, fqn, output string) (string, error) {
	if lc.Provider == nil {
		return "", fmt.Errorf("provider is required to read output %s of %s", output, fqn)
	}
	state, err := lc.Provider.GetState(ctx, fqn)
	if err != nil {
		return "", fmt.Errorf("failed to read outputs of %s: %w", fqn, err)
	}
	value, ok := state.Outputs[output]
	if !ok {
		return "", fmt.Errorf("stack %s has no output %s", fqn, output)
	}
	return value, nil
}

// Resolver substitutes lookups in parameter values.
type Resolver struct {
	handlers map[string]Handler
}

// NewResolver returns a Resolver with the built-in handlers plus extra.
// Handlers in extra replace built-ins of the same name.
func NewResolver(extra ...Handler) *Resolver {
	r := &Resolver{handlers: make(map[string]Handler)}
	r.Register(OutputHandler{})
	r.Register(&XrefHandler{})
	for _, h := range extra {
		r.Register(h)
	}
	return r
}

// Register adds or replaces a handler.
func (r *Resolver) Register(h Handler) {
	r.handlers[h.Name()] = h
}

// Resolve replaces every lookup in value. Unknown handlers are errors.
func (r *Resolver) Resolve(ctx context.Context, lc *Context, value string) (string, error) {
	matches := lookupRegex.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		if strings.Contains(value, "${") {
			return "", fmt.Errorf("malformed lookup in %q", value)
		}
		return value, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		name := value[m[2]:m[3]]
		argument := value[m[4]:m[5]]

		handler, ok := r.handlers[name]
		if !ok {
			return "", fmt.Errorf("unknown lookup handler %q", name)
		}
		resolved, err := handler.Handle(ctx, lc, argument)
		if err != nil {
			return "", fmt.Errorf("%s lookup failed: %w", name, err)
		}

		b.WriteString(value[last:m[0]])
		b.WriteString(resolved)
		last = m[1]
	}
	rest := value[last:]
	if strings.Contains(rest, "${") {
		return "", fmt.Errorf("malformed lookup in %q", value)
	}
	b.WriteString(rest)
	return b.String(), nil
}

// ResolveParameters resolves every value of params into a new map.
func (r *Resolver) ResolveParameters(ctx context.Context, lc *Context, params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, err := r.Resolve(ctx, lc, params[k])
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Dependencies returns the config stack names referenced by output lookups
// in params, sorted and deduplicated. Malformed references are ignored here
// and reported when the value is resolved.
func Dependencies(params map[string]string) []string {
	seen := make(map[string]struct{})
	for _, v := range params {
		for _, m := range lookupRegex.FindAllStringSubmatch(v, -1) {
			if m[1] != HandlerOutput {
				continue
			}
			if ref, err := ParseOutputReference(m[2]); err == nil {
				seen[ref.StackName] = struct{}{}
			}
		}
	}

	deps := make([]string, 0, len(seen))
	for name := range seen {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}
