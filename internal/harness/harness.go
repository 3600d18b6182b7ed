package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/converge/internal/compiler"
	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/engine"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/store"
	"github.com/roach88/converge/internal/testutil"
)

const defaultSettleTimeout = 5 * time.Second

// Harness is the test execution engine.
// It runs one scenario against real module instances with deterministic
// instance IDs and an in-memory evidence store.
type Harness struct {
	store    *store.Store
	runtime  *engine.Runtime
	recorder *diag.Recorder
	logger   *slog.Logger
	module   string
	settle   time.Duration
}

// Run executes a scenario with the builtin functions only.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithFuncs(context.Background(), scenario, nil)
}

// RunWithFuncs executes a test scenario and returns the result.
//
// Each scenario runs in a fresh runtime and in-memory database.
//
// Execution flow:
// 1. Compile the spec files and start every module
// 2. Run the steps, checking each write's expect clause
// 3. Settle, then snapshot state and the evidence trace
// 4. Evaluate assertions
//
// A returned error means the scenario could not run at all; failed
// expectations are reported in Result.Errors.
func RunWithFuncs(ctx context.Context, scenario *Scenario, funcs *compiler.Funcs) (*Result, error) {
	var defs []engine.ModuleDef
	for _, path := range scenario.Specs {
		d, err := compiler.CompileFile(path, funcs)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", path, err)
		}
		defs = append(defs, d...)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no modules declared in specs")
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	rec := diag.NewRecorder()
	logger := slog.New(slog.DiscardHandler)
	rt := engine.NewRuntime(
		engine.WithDefaults(scenario.Policy),
		engine.WithEmitter(diag.NewEmitter(rec, st)),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("scenario")),
		engine.WithLogger(logger),
	)
	defer rt.Close()

	h := &Harness{
		store:    st,
		runtime:  rt,
		recorder: rec,
		logger:   logger,
		module:   scenario.Module,
		settle:   defaultSettleTimeout,
	}
	if h.module == "" {
		h.module = defs[0].Name
	}
	if scenario.SettleTimeoutMs > 0 {
		h.settle = time.Duration(scenario.SettleTimeoutMs) * time.Millisecond
	}

	for _, def := range defs {
		if _, err := rt.Start(ctx, def); err != nil {
			return nil, fmt.Errorf("failed to start module %s: %w", def.Name, err)
		}
	}
	if _, ok := rt.Instance(h.module); !ok {
		return nil, fmt.Errorf("module %q is not declared", h.module)
	}

	result := NewResult()
	if err := h.Settle(ctx); err != nil {
		return nil, err
	}
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}
	if err := h.Settle(ctx); err != nil {
		return nil, err
	}

	for _, name := range rt.Modules() {
		inst, _ := rt.Instance(name)
		result.State[name] = inst.State()
	}
	for _, e := range rec.Events() {
		result.Trace = append(result.Trace, traceEvent(e))
	}

	actx := &AssertionContext{
		Store:  st,
		Ctx:    ctx,
		Module: h.module,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeSteps runs every step in order. Failed expectations are added
// to result; only infrastructure failures are returned.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		if step.Settle {
			if err := h.Settle(ctx); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			continue
		}

		module := step.Module
		if module == "" {
			module = h.module
		}
		inst, ok := h.runtime.Instance(module)
		if !ok {
			return fmt.Errorf("step %d: module %q is not running", i, module)
		}

		writes := make(map[string]ir.IRValue, len(step.Write))
		for path, raw := range step.Write {
			v, err := ir.FromGo(raw)
			if err != nil {
				return fmt.Errorf("step %d: write %q: %w", i, path, err)
			}
			writes[path] = v
		}
		lane, _ := parseLane(step.Lane)

		out, err := inst.Dispatch(ctx, writes, engine.WithLane(lane))
		for _, msg := range checkExpect(i, step.Expect, out, err) {
			result.AddError(msg)
		}

		h.logger.Info("step completed",
			"event", "step_completed",
			"step", i,
			"module", module,
			"committed", out.Committed,
			"seq", out.Seq,
		)
	}
	return nil
}

func checkExpect(i int, exp *ExpectClause, out engine.Outcome, err error) []string {
	if exp == nil {
		exp = &ExpectClause{}
	}

	var errs []string
	if exp.Error != "" {
		if code := engine.CodeOf(err); string(code) != exp.Error {
			errs = append(errs, fmt.Sprintf("steps[%d]: expected error %s, got %v", i, exp.Error, err))
		}
		if out.Committed {
			errs = append(errs, fmt.Sprintf("steps[%d]: expected no commit", i))
		}
	} else if err != nil {
		return append(errs, fmt.Sprintf("steps[%d]: expected commit, got %v", i, err))
	}

	if exp.Mode != "" && string(out.Decision.ExecutedMode) != exp.Mode {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected mode %s, got %s", i, exp.Mode, out.Decision.ExecutedMode))
	}
	if exp.Cache != "" && string(out.Decision.Cache) != exp.Cache {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected cache %s, got %s", i, exp.Cache, out.Decision.Cache))
	}
	if len(exp.State) > 0 {
		if err := matchState(out.State, exp.State); err != nil {
			errs = append(errs, fmt.Sprintf("steps[%d]: %v", i, err))
		}
	}
	return errs
}

// Settle waits until every instance is idle on three consecutive polls.
func (h *Harness) Settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.settle)
	defer cancel()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	quiet := 0
	for {
		if h.idle() {
			quiet++
		} else {
			quiet = 0
		}
		if quiet >= 3 {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("settle: instances still busy after %s", h.settle)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Harness) idle() bool {
	return !slices.ContainsFunc(h.runtime.Modules(), func(name string) bool {
		inst, ok := h.runtime.Instance(name)
		return ok && !inst.Idle()
	})
}
