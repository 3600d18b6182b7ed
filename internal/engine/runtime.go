package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/converge"
	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
)

const tracerName = "github.com/roach88/converge/internal/engine"

// ModuleDef declares one module: its initial state, derived nodes, and
// module-level policy.
type ModuleDef struct {
	Name    string
	Initial ir.IRObject
	Decls   []graph.Decl
	Policy  config.Patch
}

// Runtime owns the module instances of one process.
//
// It holds the runtime-default and per-module policy layers, the
// diagnostics emitter, and the instance directory that link nodes read
// through. One instance per module name may run at a time.
type Runtime struct {
	defaults  config.Patch
	overrides map[string]config.Patch
	emitter   *diag.Emitter
	ids       IDGenerator
	clock     converge.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.RWMutex
	instances map[string]*Instance
	closed    bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithDefaults sets the runtime-default policy layer.
func WithDefaults(p config.Patch) RuntimeOption {
	return func(r *Runtime) { r.defaults = p }
}

// WithModulePolicy sets the per-module override layer for module.
func WithModulePolicy(module string, p config.Patch) RuntimeOption {
	return func(r *Runtime) { r.overrides[module] = p }
}

// WithEmitter routes diagnostics to em.
func WithEmitter(em *diag.Emitter) RuntimeOption {
	return func(r *Runtime) { r.emitter = em }
}

// WithIDGenerator sets how instances are named.
func WithIDGenerator(g IDGenerator) RuntimeOption {
	return func(r *Runtime) { r.ids = g }
}

// WithClock sets the clock used for budgets and lane timing.
func WithClock(c converge.Clock) RuntimeOption {
	return func(r *Runtime) { r.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates a runtime with no instances.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		overrides: make(map[string]config.Patch),
		emitter:   diag.Discard(),
		ids:       UUIDv7Generator{},
		clock:     converge.SystemClock{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Emitter returns the diagnostics emitter.
func (r *Runtime) Emitter() *diag.Emitter {
	return r.emitter
}

// Start compiles def, starts its instance, and runs the initial full
// convergence before returning.
//
// Graph issues do not prevent the start: they are reported through
// Instance.Report and config_error diagnostics, and every transaction whose
// plan touches an offending node hard-fails. Start only fails for an
// invalid module policy, a duplicate module, or a closed runtime.
func (r *Runtime) Start(ctx context.Context, def ModuleDef, opts ...StartOption) (*Instance, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("start: module name is required")
	}

	pol, err := r.resolve(def.Name, def.Policy, config.Patch{})
	if err != nil {
		r.emitter.Emit(ctx, diag.Event{
			Kind:     diag.KindConfigError,
			ModuleID: def.Name,
			Payload: ir.IRObject{
				"code":    ir.IRString(config.ErrCodeInvalidConfig),
				"message": ir.IRString(err.Error()),
			},
		})
		return nil, fmt.Errorf("start %s: %w", def.Name, err)
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := r.instances[def.Name]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("start %s: module already running", def.Name)
	}
	inst := newInstance(ctx, r, def, pol, o)
	r.instances[def.Name] = inst
	r.mu.Unlock()

	inst.launch()
	r.announce(inst)

	if _, err := inst.submit(ctx, &txnItem{ctx: ctx, lane: LaneUrgent, dirtyAll: fieldpath.ReasonInitial}); err != nil {
		inst.logger.Warn("initial convergence failed",
			"event", "initial_converge_failed",
			"error", err,
		)
	}

	inst.logger.Info("instance started",
		"event", "instance_started",
		"nodes", inst.current.Load().graph.Len(),
		"issues", len(inst.current.Load().report.Issues),
	)
	return inst, nil
}

// Instance returns the running instance of module.
func (r *Runtime) Instance(module string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[module]
	return inst, ok
}

// Modules returns the names of running modules, sorted.
func (r *Runtime) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.instances))
}

// Resolve reads the committed state of module at path. It implements
// converge.LinkResolver.
func (r *Runtime) Resolve(module, path string) (ir.IRValue, bool) {
	inst, ok := r.Instance(module)
	if !ok {
		return nil, false
	}
	return inst.Get(path)
}

// Close disposes every instance. Later calls to Start fail with ErrClosed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	all := slices.Collect(maps.Values(r.instances))
	r.mu.Unlock()

	var errs []error
	for _, inst := range all {
		if err := inst.Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("dispose %s: %w", inst.module, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) remove(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[inst.module] == inst {
		delete(r.instances, inst.module)
	}
}

// resolve layers builtin < runtime default < module declaration < runtime
// per-module override < caller override.
func (r *Runtime) resolve(module string, declared, call config.Patch) (config.Policy, error) {
	return config.Resolve(r.defaults, declared, r.overrides[module], call)
}

// others returns every running instance except skip.
func (r *Runtime) others(skip *Instance) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst != skip {
			out = append(out, inst)
		}
	}
	return out
}

// propagate tells linked instances which of from's paths changed between
// prev and next. It never blocks: the refresh runs as a non-urgent
// transaction on the linked instance.
func (r *Runtime) propagate(from *Instance, prev, next ir.IRObject) {
	for _, inst := range r.others(from) {
		var paths []string
		for _, l := range inst.current.Load().links {
			if l.Module != from.module {
				continue
			}
			segs := ir.SplitPath(l.Path)
			before, _ := ir.GetPath(prev, segs)
			after, _ := ir.GetPath(next, segs)
			if !ir.Equal(before, after) {
				paths = append(paths, graph.LinkPath(l.Module, l.Path))
			}
		}
		if len(paths) > 0 {
			inst.notifyLinks(paths)
		}
	}
}

// announce refreshes every link that targets a newly started module.
func (r *Runtime) announce(started *Instance) {
	for _, inst := range r.others(started) {
		var paths []string
		for _, l := range inst.current.Load().links {
			if l.Module == started.module {
				paths = append(paths, graph.LinkPath(l.Module, l.Path))
			}
		}
		if len(paths) > 0 {
			inst.notifyLinks(paths)
		}
	}
}
