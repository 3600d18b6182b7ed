package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// policyValidate is shared; validator caches struct metadata per instance.
var policyValidate = validator.New()

// ErrCodeInvalidConfig is reported on config_error diagnostics.
const ErrCodeInvalidConfig = "CONFIG_INVALID"

// ValidationError lists every rule a resolved Policy broke.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeInvalidConfig, strings.Join(e.Problems, "; "))
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks p against its struct rules.
func (p Policy) Validate() error {
	err := policyValidate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate policy: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %s=%s (got %v)",
			fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return &ValidationError{Problems: problems}
}

// Resolve applies layers over Builtin in order, lowest priority first,
// and validates the result.
func Resolve(layers ...Patch) (Policy, error) {
	pol := Builtin()
	for _, layer := range layers {
		pol = pol.Apply(layer)
	}
	if err := pol.Validate(); err != nil {
		return Policy{}, err
	}
	return pol, nil
}
