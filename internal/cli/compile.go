package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/converge/internal/compiler"
	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/engine"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled modules.
type CompilationResult struct {
	Modules []CompiledModule `json:"modules"`
}

// CompiledModule is the serializable view of one module: its resolved
// policy, its nodes in topological order, and any graph issues.
type CompiledModule struct {
	Name   string         `json:"name"`
	State  ir.IRObject    `json:"state"`
	Policy config.Policy  `json:"policy"`
	Digest string         `json:"digest"`
	Nodes  []CompiledNode `json:"nodes"`
	Issues []graph.Issue  `json:"issues,omitempty"`
}

// CompiledNode describes one derived field.
type CompiledNode struct {
	Name        string     `json:"name"`
	Kind        graph.Kind `json:"kind"`
	Target      string     `json:"target"`
	Deps        []string   `json:"deps,omitempty"`
	Fn          string     `json:"fn,omitempty"`
	Link        string     `json:"link,omitempty"`
	Loader      string     `json:"loader,omitempty"`
	Deferred    bool       `json:"deferred,omitempty"`
	ReadsDigest string     `json:"reads_digest"`
	StaticReads bool       `json:"static_reads"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <specs-dir>",
		Short: "Compile CUE module declarations to dependency graphs",
		Long: `Compile CUE module declarations.

Each module is compiled to its dependency graph. The output lists the
resolved policy and the derived nodes in execution order.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loadResult, loadErrors := LoadModules(specsDir, LoadModeCollectAll, nil)
	if loadResult == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputCompileError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputCompileError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specsDir)
	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result := &CompilationResult{}
	for _, def := range loadResult.Modules {
		formatter.VerboseLog("Compiling module: %s", def.Name)
		m, err := compileModule(def)
		if err != nil {
			return outputCompileError(formatter, ErrCodeInvalidPolicy, err.Error(), nil)
		}
		result.Modules = append(result.Modules, m)
	}

	if opts.Output != "" {
		if err := writeResultToFile(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, result, opts.Output)
}

func compileModule(def engine.ModuleDef) (CompiledModule, error) {
	pol, err := config.Resolve(def.Policy)
	if err != nil {
		return CompiledModule{}, fmt.Errorf("module %s: %w", def.Name, err)
	}

	g, rep := graph.Compile(def.Decls, fieldpath.NewRegistry())
	m := CompiledModule{
		Name:   def.Name,
		State:  def.Initial,
		Policy: pol,
		Digest: g.Digest(),
		Nodes:  make([]CompiledNode, 0, g.Len()),
		Issues: rep.Issues,
	}
	for _, i := range g.Order() {
		m.Nodes = append(m.Nodes, describeNode(g.Node(i)))
	}
	return m, nil
}

func describeNode(node *graph.Node) CompiledNode {
	d := node.Decl
	n := CompiledNode{
		Name:        d.Name,
		Target:      d.Target,
		Deps:        d.Deps,
		Deferred:    d.Deferred,
		ReadsDigest: node.ReadsDigest,
		StaticReads: node.StaticReads,
	}
	if d.Spec != nil {
		n.Kind = d.Spec.Kind()
	}
	switch spec := d.Spec.(type) {
	case graph.Computed:
		n.Fn = spec.FnName
	case graph.Link:
		n.Link = spec.Module + "." + spec.Path
	case graph.Source:
		n.Fn = spec.KeyName
		n.Loader = spec.LoaderName
	case graph.List:
		n.Fn = spec.FnName
	}
	return n
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %d module(s)\n\n", len(result.Modules))

	for _, m := range result.Modules {
		fmt.Fprintf(formatter.Writer, "%s: %d node(s), mode %s\n", m.Name, len(m.Nodes), m.Policy.Mode)
		for _, n := range m.Nodes {
			fmt.Fprintf(formatter.Writer, "  %s %s → %s\n", n.Kind, n.Name, n.Target)
		}
		for _, is := range m.Issues {
			fmt.Fprintf(formatter.Writer, "  ! %s\n", is.Error())
		}
		fmt.Fprintln(formatter.Writer)
	}

	if outputFile != "" {
		fmt.Fprintf(formatter.Writer, "Wrote compiled modules to %s\n", outputFile)
	}
	return nil
}

// outputCompileError outputs a single compilation error.
func outputCompileError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), nil)
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = CLIError{
				Code:    code,
				Message: message,
			}
		}

		response := CLIResponse{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors,
		}

		if err := formatter.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", code, message)
	}

	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// parseCompileError extracts error code and message from an error.
func parseCompileError(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return MapFieldToErrorCode(compileErr.Field), compileErr.Message
	}
	return ErrCodeGeneric, err.Error()
}

// writeResultToFile writes the compilation result as indented JSON.
func writeResultToFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling modules: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
