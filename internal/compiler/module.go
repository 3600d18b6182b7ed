package compiler

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/engine"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

// FieldModule is the top-level field holding every module declaration.
const FieldModule = "module"

// Section names inside a module declaration.
const (
	SectionState    = "state"
	SectionPolicy   = "policy"
	SectionComputed = "computed"
	SectionLink     = "link"
	SectionSource   = "source"
	SectionList     = "list"
)

// Compile extracts every module declared under the top-level "module"
// field, in declaration order.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	defs, err := Compile(v, NewFuncs())
func Compile(v cue.Value, funcs *Funcs) ([]engine.ModuleDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	modules := v.LookupPath(cue.ParsePath(FieldModule))
	if !modules.Exists() {
		return nil, &CompileError{
			Field:   FieldModule,
			Message: "no modules declared",
			Pos:     v.Pos(),
		}
	}

	iter, err := modules.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var defs []engine.ModuleDef
	for iter.Next() {
		def, err := CompileModule(iter.Value(), funcs)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// CompileModule parses one module struct into a ModuleDef. The module
// name is the struct's label. Derive functions and loaders are looked up
// by name in funcs; a nil funcs means the builtins only.
func CompileModule(v cue.Value, funcs *Funcs) (engine.ModuleDef, error) {
	if err := v.Err(); err != nil {
		return engine.ModuleDef{}, formatCUEError(err)
	}
	if funcs == nil {
		funcs = NewFuncs()
	}

	def := engine.ModuleDef{Initial: ir.IRObject{}}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		def.Name = sels[len(sels)-1].String()
		if u, err := strconv.Unquote(def.Name); err == nil {
			def.Name = u
		}
	}
	if def.Name == "" {
		return def, &CompileError{Field: FieldModule, Message: "module name is required", Pos: v.Pos()}
	}

	iter, err := v.Fields()
	if err != nil {
		return def, formatCUEError(err)
	}
	for iter.Next() {
		section := iter.Label()
		sv := iter.Value()
		switch section {
		case SectionState:
			def.Initial, err = parseState(sv)
		case SectionPolicy:
			def.Policy, err = parsePolicy(sv)
		case SectionComputed, SectionLink, SectionSource, SectionList:
			var decls []graph.Decl
			decls, err = parseNodes(section, sv, funcs)
			def.Decls = append(def.Decls, decls...)
		default:
			err = &CompileError{
				Field:   section,
				Message: fmt.Sprintf("unknown section in module %q", def.Name),
				Pos:     sv.Pos(),
			}
		}
		if err != nil {
			return def, err
		}
	}
	return def, nil
}

func parseState(v cue.Value) (ir.IRObject, error) {
	val, err := toIR(v)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.IRObject)
	if !ok {
		return nil, &CompileError{Field: SectionState, Message: "state must be a struct", Pos: v.Pos()}
	}
	return obj, nil
}

// parseNodes reads one kind section: a struct of node name to node body.
func parseNodes(kind string, v cue.Value, funcs *Funcs) ([]graph.Decl, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var decls []graph.Decl
	for iter.Next() {
		name := iter.Label()
		nv := iter.Value()
		field := kind + "." + name

		d := graph.Decl{Name: name, Target: name}
		if s, ok, err := optString(nv, "target"); err != nil {
			return nil, err
		} else if ok {
			d.Target = s
		}
		for _, lf := range []struct {
			label string
			dst   *[]string
		}{
			{"deps", &d.Deps},
			{"traits", &d.Traits},
			{"requires", &d.Requires},
			{"excludes", &d.Excludes},
		} {
			if *lf.dst, err = optStrings(nv, lf.label); err != nil {
				return nil, err
			}
		}
		if d.Deferred, _, err = optBool(nv, "deferred"); err != nil {
			return nil, err
		}
		if d.DynamicReads, _, err = optBool(nv, "dynamic"); err != nil {
			return nil, err
		}

		switch kind {
		case SectionComputed:
			fnName, err := reqString(nv, field, "fn")
			if err != nil {
				return nil, err
			}
			fn, err := lookupFunc(funcs, nv, field, fnName)
			if err != nil {
				return nil, err
			}
			d.Spec = graph.Computed{FnName: fnName, Fn: fn}

		case SectionLink:
			module, err := reqString(nv, field, "module")
			if err != nil {
				return nil, err
			}
			path, ok, err := optString(nv, "path")
			if err != nil {
				return nil, err
			}
			if !ok {
				path = d.Target
			}
			d.Spec = graph.Link{Module: module, Path: path}

		case SectionSource:
			keyName, ok, err := optString(nv, "key")
			if err != nil {
				return nil, err
			}
			if !ok {
				keyName = "copy"
			}
			key, err := lookupFunc(funcs, nv, field, keyName)
			if err != nil {
				return nil, err
			}
			loaderName, err := reqString(nv, field, "loader")
			if err != nil {
				return nil, err
			}
			load, found := funcs.Loader(loaderName)
			if !found {
				return nil, &CompileError{
					Field:   field + ".loader",
					Message: fmt.Sprintf("unknown loader %q", loaderName),
					Pos:     nv.Pos(),
				}
			}
			policy := graph.SourceSwitch
			if p, ok, err := optString(nv, "policy"); err != nil {
				return nil, err
			} else if ok {
				policy = graph.SourcePolicy(p)
			}
			if policy != graph.SourceSwitch && policy != graph.SourceExhaust {
				return nil, &CompileError{
					Field:   field + ".policy",
					Message: fmt.Sprintf("policy must be %q or %q, got %q", graph.SourceSwitch, graph.SourceExhaust, policy),
					Pos:     nv.Pos(),
				}
			}
			d.Spec = graph.Source{KeyName: keyName, Key: key, LoaderName: loaderName, Load: load, Policy: policy}

		case SectionList:
			items, err := reqString(nv, field, "items")
			if err != nil {
				return nil, err
			}
			trackBy, _, err := optString(nv, "track_by")
			if err != nil {
				return nil, err
			}
			fnName, err := reqString(nv, field, "fn")
			if err != nil {
				return nil, err
			}
			fn, err := lookupFunc(funcs, nv, field, fnName)
			if err != nil {
				return nil, err
			}
			d.Spec = graph.List{Items: items, TrackBy: trackBy, FnName: fnName, Fn: fn}
		}

		decls = append(decls, d)
	}
	return decls, nil
}

func lookupFunc(funcs *Funcs, v cue.Value, field, name string) (graph.Func, error) {
	fn, ok := funcs.Func(name)
	if !ok {
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unknown function %q", name),
			Pos:     v.Pos(),
		}
	}
	return fn, nil
}

// parsePolicy reads a policy struct. Keys match the runtime YAML file.
func parsePolicy(v cue.Value) (config.Patch, error) {
	var p config.Patch
	iter, err := v.Fields()
	if err != nil {
		return p, formatCUEError(err)
	}

	for iter.Next() {
		f := iter.Value()
		switch iter.Label() {
		case "execution_budget_ms":
			p.ExecutionBudgetMs, err = intPtr(f)
		case "decision_budget_ms":
			p.DecisionBudgetMs, err = intPtr(f)
		case "mode":
			p.Mode, err = stringPtr(f)
		case "decision_cache_size":
			p.DecisionCacheSize, err = intPtr(f)
		case "backlog_capacity":
			p.BacklogCapacity, err = intPtr(f)
		case "unbounded":
			p.Unbounded, err = boolPtr(f)
		case "pressure_warn_threshold":
			p.PressureWarnThreshold, err = intPtr(f)
		case "pressure_cooldown_ms":
			p.PressureCooldownMs, err = intPtr(f)
		case "lane_enabled":
			p.LaneEnabled, err = boolPtr(f)
		case "lane_budget_ms":
			p.LaneBudgetMs, err = intPtr(f)
		case "lane_debounce_ms":
			p.LaneDebounceMs, err = intPtr(f)
		case "lane_max_lag_ms":
			p.LaneMaxLagMs, err = intPtr(f)
		case "lane_allow_coalesce":
			p.LaneAllowCoalesce, err = boolPtr(f)
		case "lane_yield":
			p.LaneYield, err = stringPtr(f)
		default:
			err = &CompileError{
				Field:   SectionPolicy + "." + iter.Label(),
				Message: "unknown policy key",
				Pos:     f.Pos(),
			}
		}
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// toIR converts a concrete CUE value to IR.
// Floats are forbidden; state holds integers only.
func toIR(v cue.Value) (ir.IRValue, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(n), nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "type",
			Message: "float values are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			elem, err := toIR(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			elem, err := toIR(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = elem
		}
		return obj, nil
	default:
		if k := v.IncompleteKind(); k == cue.FloatKind || k == cue.NumberKind {
			return nil, &CompileError{
				Field:   "type",
				Message: "float values are forbidden - use int instead",
				Pos:     v.Pos(),
			}
		}
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("value must be concrete, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func reqString(v cue.Value, field, label string) (string, error) {
	s, ok, err := optString(v, label)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", &CompileError{
			Field:   field + "." + label,
			Message: label + " is required",
			Pos:     v.Pos(),
		}
	}
	return s, nil
}

func optString(v cue.Value, label string) (string, bool, error) {
	f := v.LookupPath(cue.ParsePath(label))
	if !f.Exists() {
		return "", false, nil
	}
	s, err := f.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func optBool(v cue.Value, label string) (bool, bool, error) {
	f := v.LookupPath(cue.ParsePath(label))
	if !f.Exists() {
		return false, false, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, false, formatCUEError(err)
	}
	return b, true, nil
}

func optStrings(v cue.Value, label string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(label))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func intPtr(v cue.Value) (*int, error) {
	n, err := v.Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return config.Ptr(int(n)), nil
}

func boolPtr(v cue.Value) (*bool, error) {
	b, err := v.Bool()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return &b, nil
}

func stringPtr(v cue.Value) (*string, error) {
	s, err := v.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return &s, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
