package cli

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/converge/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Modules  int                        `json:"modules"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.LinkWarning     `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <specs-dir>",
		Short: "Validate module declarations without starting them",
		Long: `Validate CUE module declarations.

Compiles every module, resolves its policy, checks its dependency graph
for cycles, multiple writers, and trait violations, and reports link
cycles between modules. Link cycles are warnings; everything else fails
validation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loadResult, loadErrors := LoadModules(specsDir, LoadModeCollectAll, nil)
	if loadResult == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specsDir)

	var validationErrors []compiler.ValidationError
	for _, err := range loadErrors {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			validationErrors = append(validationErrors, compiler.ValidationError{
				Field:   "load",
				Message: loadErr.Message,
				Code:    loadErr.Code,
				Line:    lineOf(loadErr.Pos),
			})
		}
	}

	for _, def := range loadResult.Modules {
		formatter.VerboseLog("Validating module: %s (%d node(s))", def.Name, len(def.Decls))
	}
	validationErrors = append(validationErrors, compiler.Validate(loadResult.Modules)...)

	result := ValidationResult{
		Valid:    len(validationErrors) == 0,
		Modules:  len(loadResult.Modules),
		Errors:   validationErrors,
		Warnings: compiler.AnalyzeLinks(loadResult.Modules),
	}
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ All modules valid (%d)\n", result.Modules)
	printWarnings(formatter, result.Warnings)
	return nil
}

func printWarnings(formatter *OutputFormatter, warnings []compiler.LinkWarning) {
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", w.Level, w.Message)
	}
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		if err := formatter.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	printWarnings(formatter, result.Warnings)

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
