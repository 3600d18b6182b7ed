package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/converge/internal/compiler"
	"github.com/roach88/converge/internal/engine"
)

// LoadMode controls how errors are handled during module loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the modules loaded from a directory.
type LoadResult struct {
	Modules   []engine.ModuleDef
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during module loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadModules loads the CUE package in dir and compiles every module it
// declares. Derive functions resolve against funcs; nil means builtins.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadModules(dir string, mode LoadMode, funcs *compiler.Funcs) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		CUEValue:  value,
		FileCount: len(cueFiles),
	}
	if funcs == nil {
		funcs = compiler.NewFuncs()
	}

	var errs []error
	modules := value.LookupPath(cue.ParsePath(compiler.FieldModule))
	if modules.Exists() {
		iter, iterErr := modules.Fields()
		if iterErr != nil {
			return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating modules: %v", iterErr)}}
		}
		for iter.Next() {
			def, compileErr := compiler.CompileModule(iter.Value(), funcs)
			if compileErr != nil {
				errs = append(errs, convertCompileError(compileErr, "module."+iter.Label()))
				if mode == LoadModeFailFast {
					return result, errs
				}
				continue
			}
			result.Modules = append(result.Modules, def)
		}
	}

	if len(result.Modules) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoModules, Message: "no modules found in specs"})
	}
	return result, errs
}

// FindCUEFiles returns the .cue files directly in dir. Subdirectories
// are separate CUE packages and are not loaded.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeNoModules   = "E008" // No module declared

	// Declaration errors
	ErrCodeInvalidPolicy = compiler.ErrPolicyInvalid // Unknown or ill-typed policy key
	ErrCodeInvalidType   = "E110"                    // Float or non-concrete value
	ErrCodeInvalidState  = "E111"                    // State is not an object
	ErrCodeInvalidNode   = "E112"                    // Bad computed/link/source/list entry
	ErrCodeUnknownKey    = "E113"                    // Unknown module section
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	section, _, _ := strings.Cut(field, ".")
	switch section {
	case "type", "value":
		return ErrCodeInvalidType
	case compiler.SectionState:
		return ErrCodeInvalidState
	case compiler.SectionPolicy:
		return ErrCodeInvalidPolicy
	case compiler.SectionComputed, compiler.SectionLink, compiler.SectionSource, compiler.SectionList:
		return ErrCodeInvalidNode
	case compiler.FieldModule:
		return ErrCodeNoModules
	case "cue":
		return ErrCodeBuildFailed
	case "":
		return ErrCodeGeneric
	default:
		return ErrCodeUnknownKey
	}
}
