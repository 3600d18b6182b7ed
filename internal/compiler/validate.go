package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/engine"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
)

// Validation error codes. Graph issues keep their own codes
// (CYCLE_DETECTED, MULTIPLE_WRITERS, ...).
const (
	ErrModuleNameEmpty  = "E101" // module name is required
	ErrDuplicateModule  = "E102" // two modules share a name
	ErrPolicyInvalid    = "E103" // declared policy does not resolve
	ErrStateNotTracked  = "E104" // initial state key is not a trackable path
	ErrUnsupportedInput = "E100" // unsupported value passed to Validate
)

// ValidationError represents one problem found in a module definition.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks compiled module definitions.
// Returns all errors found (does not fail-fast).
// Accepts a ModuleDef, a pointer to one, or a slice of them.
func Validate(v any) []ValidationError {
	switch def := v.(type) {
	case engine.ModuleDef:
		return validateModule(def)
	case *engine.ModuleDef:
		return validateModule(*def)
	case []engine.ModuleDef:
		return validateModules(def)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported value: %T", v),
			Code:    ErrUnsupportedInput,
		}}
	}
}

func validateModules(defs []engine.ModuleDef) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def.Name != "" && seen[def.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("module[%d]", i),
				Message: fmt.Sprintf("duplicate module name %q", def.Name),
				Code:    ErrDuplicateModule,
			})
		}
		seen[def.Name] = true
		errs = append(errs, validateModule(def)...)
	}
	return errs
}

func validateModule(def engine.ModuleDef) []ValidationError {
	var errs []ValidationError
	prefix := "module." + def.Name

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "module",
			Message: "module name is required",
			Code:    ErrModuleNameEmpty,
		})
	}

	if _, err := config.Resolve(def.Policy); err != nil {
		errs = append(errs, ValidationError{
			Field:   prefix + ".policy",
			Message: err.Error(),
			Code:    ErrPolicyInvalid,
		})
	}

	for _, key := range def.Initial.SortedKeys() {
		if p, ok := fieldpath.Parse(key); !ok || len(p) != 1 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".state." + key,
				Message: fmt.Sprintf("state key %q is not a trackable path", key),
				Code:    ErrStateNotTracked,
			})
		}
	}

	_, rep := graph.Compile(def.Decls, fieldpath.NewRegistry())
	for _, is := range rep.Issues {
		field := prefix
		if len(is.Nodes) > 0 {
			field += "." + strings.Join(is.Nodes, ",")
		}
		errs = append(errs, ValidationError{
			Field:   field,
			Message: is.Message,
			Code:    string(is.Code),
		})
	}
	return errs
}
