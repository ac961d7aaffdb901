package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/stackrun/stackrun/pkg/engine"
)

// stackNameRegex is the accepted form of namespaces and stack names.
var stackNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

// newValidator returns a validator with the stackname and duration tags.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("stackname", func(fl validator.FieldLevel) bool {
		return stackNameRegex.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

// Validate checks struct constraints and the cross-stack rules: unique
// names and requirements that refer to declared stacks. All problems are
// reported together.
func Validate(cfg *Config) error {
	return validate(newValidator(), cfg)
}

func validate(v *validator.Validate, cfg *Config) error {
	var result *multierror.Error

	if err := v.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				result = multierror.Append(result, ValidationError{
					File:    cfg.SourcePath,
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
				})
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	seen := make(map[string]int, len(cfg.Stacks))
	for i, stack := range cfg.Stacks {
		if prev, dup := seen[stack.Name]; dup {
			result = multierror.Append(result, ValidationError{
				File:    cfg.SourcePath,
				Path:    fmt.Sprintf("stacks[%d].name", i),
				Message: fmt.Sprintf("duplicate stack name %q (first declared at stacks[%d])", stack.Name, prev),
			})
			continue
		}
		seen[stack.Name] = i
	}

	for i, stack := range cfg.Stacks {
		for _, dep := range stack.Requires {
			if dep == stack.Name {
				result = multierror.Append(result, ValidationError{
					File:    cfg.SourcePath,
					Path:    fmt.Sprintf("stacks[%d].requires", i),
					Message: fmt.Sprintf("stack %q requires itself", stack.Name),
					Err:     engine.ErrCycleDetected,
				})
				continue
			}
			if _, ok := seen[dep]; !ok {
				result = multierror.Append(result, ValidationError{
					File:    cfg.SourcePath,
					Path:    fmt.Sprintf("stacks[%d].requires", i),
					Message: fmt.Sprintf("stack %q requires undeclared stack %q", stack.Name, dep),
					Err:     engine.ErrUnknownDependency,
				})
			}
		}
	}

	if cfg.Provider != nil && cfg.Provider.Type == ProviderCloudFormation && cfg.Provider.Path != "" {
		result = multierror.Append(result, ValidationError{
			File:    cfg.SourcePath,
			Path:    "provider.path",
			Message: "path is only valid for the local provider",
		})
	}

	return result.ErrorOrNil()
}
