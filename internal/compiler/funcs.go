package compiler

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

// Funcs maps the names used in module declarations to derive functions
// and source loaders. It is safe for concurrent use.
type Funcs struct {
	mu      sync.RWMutex
	funcs   map[string]graph.Func
	loaders map[string]graph.Loader
}

// NewFuncs returns a registry holding the builtins:
//
//	copy     first argument, or null
//	sum      sum of int arguments; array arguments are flattened
//	product  product of int arguments; array arguments are flattened
//	inc      first argument plus one
//	not      negated truthiness of the first argument
//	concat   string and int arguments joined into one string
//	len      length of a string, array, or object
//
// and the loader "echo", which returns its key.
func NewFuncs() *Funcs {
	f := &Funcs{
		funcs:   make(map[string]graph.Func),
		loaders: make(map[string]graph.Loader),
	}
	f.Register("copy", builtinCopy)
	f.Register("sum", builtinSum)
	f.Register("product", builtinProduct)
	f.Register("inc", builtinInc)
	f.Register("not", builtinNot)
	f.Register("concat", builtinConcat)
	f.Register("len", builtinLen)
	f.RegisterLoader("echo", echoLoader)
	return f
}

// Register adds or replaces a derive function.
func (f *Funcs) Register(name string, fn graph.Func) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// RegisterLoader adds or replaces a source loader.
func (f *Funcs) RegisterLoader(name string, l graph.Loader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaders[name] = l
}

// Func looks up a derive function.
func (f *Funcs) Func(name string) (graph.Func, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[name]
	return fn, ok
}

// Loader looks up a source loader.
func (f *Funcs) Loader(name string) (graph.Loader, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.loaders[name]
	return l, ok
}

// Names returns the registered function names, sorted.
func (f *Funcs) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.funcs))
	for name := range f.funcs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func builtinCopy(args []ir.IRValue) (ir.IRValue, error) {
	if len(args) == 0 || args[0] == nil {
		return ir.IRNull{}, nil
	}
	return args[0], nil
}

func builtinSum(args []ir.IRValue) (ir.IRValue, error) {
	ns, err := ints("sum", args)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range ns {
		total += n
	}
	return ir.IRInt(total), nil
}

func builtinProduct(args []ir.IRValue) (ir.IRValue, error) {
	ns, err := ints("product", args)
	if err != nil {
		return nil, err
	}
	total := int64(1)
	for _, n := range ns {
		total *= n
	}
	return ir.IRInt(total), nil
}

func builtinInc(args []ir.IRValue) (ir.IRValue, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("inc: missing argument")
	}
	switch v := args[0].(type) {
	case ir.IRInt:
		return v + 1, nil
	case ir.IRNull, nil:
		return ir.IRInt(1), nil
	default:
		return nil, fmt.Errorf("inc: argument is %T, want int", args[0])
	}
}

func builtinNot(args []ir.IRValue) (ir.IRValue, error) {
	if len(args) == 0 {
		return ir.IRBool(true), nil
	}
	return ir.IRBool(!ir.Truthy(args[0])), nil
}

func builtinConcat(args []ir.IRValue) (ir.IRValue, error) {
	var b strings.Builder
	for i, a := range args {
		switch v := a.(type) {
		case ir.IRString:
			b.WriteString(string(v))
		case ir.IRInt:
			b.WriteString(strconv.FormatInt(int64(v), 10))
		case ir.IRNull, nil:
		default:
			return nil, fmt.Errorf("concat: argument %d is %T, want string or int", i, a)
		}
	}
	return ir.IRString(b.String()), nil
}

func builtinLen(args []ir.IRValue) (ir.IRValue, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("len: missing argument")
	}
	switch v := args[0].(type) {
	case ir.IRString:
		return ir.IRInt(utf8.RuneCountInString(string(v))), nil
	case ir.IRArray:
		return ir.IRInt(len(v)), nil
	case ir.IRObject:
		return ir.IRInt(len(v)), nil
	case ir.IRNull, nil:
		return ir.IRInt(0), nil
	default:
		return nil, fmt.Errorf("len: argument is %T, want string, array, or object", args[0])
	}
}

func echoLoader(ctx context.Context, key ir.IRValue) (ir.IRValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return key, nil
}

// ints collects int arguments, flattening one level of arrays. Nulls
// count as absent.
func ints(name string, args []ir.IRValue) ([]int64, error) {
	var out []int64
	for i, a := range args {
		switch v := a.(type) {
		case ir.IRInt:
			out = append(out, int64(v))
		case ir.IRNull, nil:
		case ir.IRArray:
			for j, e := range v {
				switch n := e.(type) {
				case ir.IRInt:
					out = append(out, int64(n))
				case ir.IRNull, nil:
				default:
					return nil, fmt.Errorf("%s: argument %d[%d] is %T, want int", name, i, j, e)
				}
			}
		default:
			return nil, fmt.Errorf("%s: argument %d is %T, want int", name, i, a)
		}
	}
	return out, nil
}
