package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/roach88/converge/internal/config"
	"github.com/roach88/converge/internal/converge"
	"github.com/roach88/converge/internal/diag"
	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/rowid"
)

// generation is one installed dependency graph.
type generation struct {
	graph  *graph.Graph
	gen    uint64
	report *graph.Report
	links  []graph.Link
}

func newGeneration(g *graph.Graph, rep *graph.Report) *generation {
	out := &generation{graph: g, report: rep}
	for i := 0; i < g.Len(); i++ {
		if l, ok := g.Node(i).Decl.Spec.(graph.Link); ok {
			out.links = append(out.links, l)
		}
	}
	return out
}

// Outcome is what a caller learns about its transaction.
type Outcome struct {
	// Committed is false when the transaction failed; State is then the
	// unchanged committed state.
	Committed bool
	// Seq is the commit sequence number, 0 when not committed.
	Seq      int64
	Lane     Lane
	Decision converge.Decision
	State    ir.IRObject
	Patches  []Patch
}

// EnqueueOption configures one transaction.
type EnqueueOption func(*txnItem)

// WithLane selects the lane. The default is LaneUrgent.
func WithLane(l Lane) EnqueueOption {
	return func(it *txnItem) { it.lane = l }
}

// WithPolicy applies a caller override, the highest-priority policy layer.
// Backlog settings are fixed when the instance starts and are not
// affected.
func WithPolicy(p config.Patch) EnqueueOption {
	return func(it *txnItem) { it.policy = p }
}

// StartOption configures an instance at start.
type StartOption func(*startOptions)

type startOptions struct {
	id           string
	inputPending func() bool
}

// WithInstanceID names the instance instead of asking the runtime's
// IDGenerator.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) { o.id = id }
}

// WithInputPending installs the host signal consulted by the
// input_pending lane yield strategy.
func WithInputPending(fn func() bool) StartOption {
	return func(o *startOptions) { o.inputPending = fn }
}

type txnKey struct{}

// Instance is one running module: committed state plus the single
// consumer that serializes every write to it.
//
// Thread-safety model:
//   - Enqueue, Dispatch, SwapGraph, State, Get: safe from any goroutine
//   - transaction bodies, convergence, and commits run only on the consumer
type Instance struct {
	id     string
	module string
	rt     *Runtime
	logger *slog.Logger

	declared config.Patch

	reg   *fieldpath.Registry
	rows  *rowid.Store
	sched *converge.Scheduler
	seq   *Clock

	state   atomic.Pointer[ir.IRObject]
	current atomic.Pointer[generation]

	queue    *txnQueue
	slots    *semaphore.Weighted
	capacity int
	warnAt   int
	depth    atomic.Int64
	waiting  atomic.Int64
	pressure *rate.Sometimes

	lanes   *laneScheduler
	sources *sourceRunner

	linkMu      sync.Mutex
	linkPending map[string]struct{}
	linkBusy    bool
	linkWake    chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	group       *errgroup.Group
	disposeOnce sync.Once
	disposeErr  error
}

func newInstance(ctx context.Context, r *Runtime, def ModuleDef, pol config.Policy, o startOptions) *Instance {
	id := o.id
	if id == "" {
		id = r.ids.Generate()
	}

	reg := fieldpath.NewRegistry()
	g, rep := graph.Compile(def.Decls, reg)

	initial := def.Initial
	if initial == nil {
		initial = ir.IRObject{}
	}

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(lifetime)

	i := &Instance{
		id:          id,
		module:      def.Name,
		rt:          r,
		logger:      r.logger.With("module", def.Name, "instance", id),
		declared:    def.Policy,
		reg:         reg,
		rows:        rowid.New(id),
		sched:       converge.New(r.clock),
		seq:         NewClock(),
		queue:       newTxnQueue(),
		capacity:    pol.Concurrency.BacklogCapacity,
		warnAt:      pol.Concurrency.PressureWarnThreshold,
		linkPending: make(map[string]struct{}),
		linkWake:    make(chan struct{}, 1),
		ctx:         gctx,
		cancel:      cancel,
		group:       group,
	}
	i.state.Store(&initial)
	i.current.Store(newGeneration(g, rep))

	if !pol.Concurrency.Unbounded {
		i.slots = semaphore.NewWeighted(int64(pol.Concurrency.BacklogCapacity))
	}
	if cd := pol.Concurrency.PressureCooldown; cd > 0 {
		i.pressure = &rate.Sometimes{First: 1, Interval: cd}
	} else {
		i.pressure = &rate.Sometimes{Every: 1}
	}

	i.lanes = newLaneScheduler(i, r.clock, o.inputPending)
	i.sources = newSourceRunner(i)

	i.reportIssues(ctx, 0, rep)
	return i
}

func (i *Instance) launch() {
	i.group.Go(func() error { return i.run(i.ctx) })
	i.group.Go(func() error { return i.lanes.run(i.ctx) })
	i.group.Go(func() error { return i.linkLoop(i.ctx) })
}

// ID returns the instance ID.
func (i *Instance) ID() string { return i.id }

// Module returns the module name.
func (i *Instance) Module() string { return i.module }

// State returns the committed state. It never blocks on the consumer.
func (i *Instance) State() ir.IRObject { return *i.state.Load() }

// Get reads the committed state at a dotted path.
func (i *Instance) Get(path string) (ir.IRValue, bool) {
	return ir.GetPath(i.State(), ir.SplitPath(path))
}

// Seq returns the seq of the last commit.
func (i *Instance) Seq() int64 { return i.seq.Current() }

// Generation returns the installed graph generation.
func (i *Instance) Generation() uint64 { return i.current.Load().gen }

// Report returns the validation report of the installed graph.
func (i *Instance) Report() *graph.Report { return i.current.Load().report }

// Graph returns the installed graph.
func (i *Instance) Graph() *graph.Graph { return i.current.Load().graph }

// Backlog returns the number of admitted transactions not yet finished.
func (i *Instance) Backlog() int { return int(i.depth.Load()) }

// PendingDeferred returns the number of deferred nodes awaiting a lane slice.
func (i *Instance) PendingDeferred() int { return i.lanes.len() }

// Idle reports whether the instance has no queued transactions, deferred
// nodes, source loads, or link refreshes. The answer may be stale by the
// time the caller sees it.
func (i *Instance) Idle() bool {
	if i.Backlog() > 0 || i.PendingDeferred() > 0 || i.sources.inflightLen() > 0 {
		return false
	}
	i.linkMu.Lock()
	defer i.linkMu.Unlock()
	return len(i.linkPending) == 0 && !i.linkBusy
}

// Enqueue runs body as one atomic transaction and waits for its outcome.
//
// The caller first takes a backlog slot, waiting while the backlog is
// saturated. The body then runs on the consumer with exclusive access to
// the state, followed by convergence and a single commit. A body error or
// panic, a hard failure, or a derived-node error leaves the committed
// state unchanged and is returned as a *TxnError.
//
// Calling Enqueue on this instance with the ctx handed to one of its
// bodies fails with ErrReentrantEnqueue. A caller that stops waiting does
// not cancel an admitted transaction.
func (i *Instance) Enqueue(ctx context.Context, body Body, opts ...EnqueueOption) (Outcome, error) {
	if body == nil {
		return Outcome{}, fmt.Errorf("enqueue: nil body")
	}
	if owner, _ := ctx.Value(txnKey{}).(*Instance); owner == i {
		return Outcome{}, ErrReentrantEnqueue
	}
	it := &txnItem{ctx: ctx, lane: LaneUrgent, body: body}
	for _, opt := range opts {
		opt(it)
	}
	return i.submit(ctx, it)
}

// Dispatch writes each path to its value in one transaction, in path order.
func (i *Instance) Dispatch(ctx context.Context, writes map[string]ir.IRValue, opts ...EnqueueOption) (Outcome, error) {
	paths := make([]string, 0, len(writes))
	for p := range writes {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	return i.Enqueue(ctx, func(_ context.Context, tx *Txn) error {
		for _, p := range paths {
			if err := tx.Set(p, writes[p]); err != nil {
				return err
			}
		}
		return nil
	}, opts...)
}

// SwapGraph compiles decls and installs them as the next generation.
// The swap runs as an urgent transaction: the decision cache and node
// memos are purged and the whole graph converges once.
//
// The new graph is installed even when its report has fatal issues.
func (i *Instance) SwapGraph(ctx context.Context, decls []graph.Decl) (*graph.Report, Outcome, error) {
	g, rep := graph.Compile(decls, i.reg)
	out, err := i.submit(ctx, &txnItem{
		ctx:      ctx,
		lane:     LaneUrgent,
		swap:     newGeneration(g, rep),
		dirtyAll: fieldpath.ReasonGraphSwap,
	})
	return rep, out, err
}

// Dispose stops admission, interrupts the lane loop and in-flight source
// loads, and releases every waiting caller with ErrDisposed. It blocks
// until the instance's goroutines exit.
func (i *Instance) Dispose() error {
	i.disposeOnce.Do(func() {
		i.cancel()
		for _, it := range i.queue.close() {
			it.release()
			it.done <- txnResult{err: ErrDisposed}
		}
		i.disposeErr = i.group.Wait()
		i.rt.remove(i)
		i.logger.Info("instance disposed", "event", "instance_disposed", "seq", i.seq.Current())
	})
	return i.disposeErr
}

func (i *Instance) submit(ctx context.Context, it *txnItem) (Outcome, error) {
	if i.ctx.Err() != nil {
		return Outcome{}, ErrDisposed
	}
	var release func()
	if it.front {
		release = i.reserve()
	} else {
		var err error
		if release, err = i.acquire(ctx); err != nil {
			return Outcome{}, err
		}
	}

	if it.ctx == nil {
		it.ctx = ctx
	}
	it.release = release
	it.done = make(chan txnResult, 1)
	if !i.queue.push(it) {
		release()
		return Outcome{}, ErrDisposed
	}

	select {
	case res := <-it.done:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// reserve counts an item in the backlog depth without taking a slot.
func (i *Instance) reserve() func() {
	var once sync.Once
	i.depth.Add(1)
	return func() { once.Do(func() { i.depth.Add(-1) }) }
}

// acquire takes a backlog slot. The returned func releases it exactly once.
func (i *Instance) acquire(ctx context.Context) (func(), error) {
	if i.slots == nil {
		return i.reserve(), nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			i.depth.Add(-1)
			i.slots.Release(1)
		})
	}

	if i.slots.TryAcquire(1) {
		depth := i.depth.Add(1)
		if i.warnAt > 0 && depth >= int64(i.warnAt) {
			i.warnPressure(ctx, depth, 0)
		}
		return release, nil
	}

	start := i.rt.clock.Now()
	i.waiting.Add(1)
	defer i.waiting.Add(-1)
	i.warnPressure(ctx, i.depth.Load(), 0)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(i.ctx, cancel)
	defer stop()

	if err := i.slots.Acquire(waitCtx, 1); err != nil {
		if i.ctx.Err() != nil {
			return nil, ErrDisposed
		}
		return nil, err
	}
	if i.ctx.Err() != nil {
		i.slots.Release(1)
		return nil, ErrDisposed
	}

	depth := i.depth.Add(1)
	i.warnPressure(ctx, depth, i.rt.clock.Now().Sub(start))
	return release, nil
}

func (i *Instance) warnPressure(ctx context.Context, depth int64, saturated time.Duration) {
	i.pressure.Do(func() {
		i.logger.Warn("transaction backlog under pressure",
			"event", "backpressure_warning",
			"depth", depth,
			"capacity", i.capacity,
			"saturated", saturated,
		)
		i.emit(ctx, diag.KindBackpressureWarning, 0, ir.IRObject{
			"depth":        ir.IRInt(depth),
			"waiting":      ir.IRInt(i.waiting.Load()),
			"capacity":     ir.IRInt(i.capacity),
			"saturated_us": ir.IRInt(saturated.Microseconds()),
		})
	})
}

// run is the single consumer loop. Only this goroutine executes bodies,
// converges, and commits.
func (i *Instance) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if it, ok := i.queue.pop(); ok {
			i.process(it)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case _, open := <-i.queue.wait():
			if !open {
				return nil
			}
		}
	}
}

func (i *Instance) process(it *txnItem) {
	out, err := i.execute(it)
	it.release()
	it.done <- txnResult{outcome: out, err: err}
}

func (i *Instance) execute(it *txnItem) (Outcome, error) {
	ctx, cancel := context.WithCancel(context.WithValue(context.WithoutCancel(it.ctx), txnKey{}, i))
	defer cancel()
	stop := context.AfterFunc(i.ctx, cancel)
	defer stop()

	ctx, span := i.rt.tracer.Start(ctx, "converge.txn", trace.WithAttributes(
		attribute.String("converge.module", i.module),
		attribute.String("converge.instance", i.id),
		attribute.String("converge.lane", string(it.lane)),
	))
	defer span.End()

	if it.swap != nil {
		i.install(ctx, it.swap)
	}
	cur := i.current.Load()
	base := i.State()

	pol, err := i.rt.resolve(i.module, i.declared, it.policy)
	if err != nil {
		i.emit(ctx, diag.KindConfigError, 0, ir.IRObject{
			"code":    ir.IRString(config.ErrCodeInvalidConfig),
			"message": ir.IRString(err.Error()),
		})
		return i.fail(ctx, span, it, converge.Decision{}, &TxnError{
			Code:    ErrCodeInvalidConfig,
			Message: "policy did not validate",
			Err:     err,
		})
	}

	tx := newTxn(base, i.reg, it.lane)
	if it.body != nil {
		if err := runBody(ctx, it.body, tx); err != nil {
			if i.ctx.Err() != nil {
				return Outcome{Lane: it.lane, State: base}, ErrDisposed
			}
			code := ErrCodeBodyFailed
			var pe *PanicError
			if errors.As(err, &pe) {
				code = ErrCodeBodyPanic
			}
			return i.fail(ctx, span, it, converge.Decision{}, &TxnError{
				Code:    code,
				Message: "transaction body failed",
				Err:     err,
			})
		}
	}
	for _, p := range it.marks {
		tx.tracker.Mark(p)
	}
	if it.dirtyAll != "" {
		tx.tracker.MarkAll(it.dirtyAll)
	}

	var forced []int
	if len(it.forced) > 0 && it.gen == cur.gen {
		forced = it.forced
	}

	rows := i.rows.Stage()
	res, err := i.sched.Converge(ctx, converge.Input{
		Graph:      cur.graph,
		Generation: cur.gen,
		Registry:   i.reg,
		Rows:       rows,
		State:      tx.state,
		Dirty:      tx.tracker.Build(),
		Policy:     pol,
		Links:      i.rt,
		Forced:     forced,
	})
	if err != nil {
		if i.ctx.Err() != nil {
			return Outcome{Lane: it.lane, State: base}, ErrDisposed
		}
		i.emitDecision(ctx, 0, it.lane, res.Decision)
		return i.fail(ctx, span, it, res.Decision, convergeError(err))
	}

	seq := i.seq.Next()
	next := res.State
	i.state.Store(&next)
	rows.Commit()

	if len(res.Deferred) > 0 {
		i.lanes.register(res.Deferred, cur, pol.Lane)
	}
	if len(res.Effects) > 0 {
		i.sources.apply(res.Effects)
	}

	d := res.Decision
	i.emitDecision(ctx, seq, it.lane, d)
	i.emit(ctx, diag.KindTxnCommitted, seq, ir.IRObject{
		"lane":          ir.IRString(it.lane),
		"outcome":       ir.IRString(d.Outcome),
		"executed_mode": ir.IRString(d.ExecutedMode),
		"patches":       ir.IRInt(len(tx.patches)),
		"changed":       ir.IRInt(d.Stats.Changed),
	})
	i.logger.Debug("transaction committed",
		"event", "txn_committed",
		"seq", seq,
		"lane", it.lane,
		"mode", d.ExecutedMode,
		"cache", d.Cache,
		"changed", d.Stats.Changed,
	)
	span.SetAttributes(
		attribute.Int64("converge.seq", seq),
		attribute.String("converge.outcome", string(d.Outcome)),
	)

	i.rt.propagate(i, base, next)

	return Outcome{
		Committed: true,
		Seq:       seq,
		Lane:      it.lane,
		Decision:  d,
		State:     next,
		Patches:   tx.patches,
	}, nil
}

func runBody(ctx context.Context, body Body, tx *Txn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return body(ctx, tx)
}

func convergeError(err error) *TxnError {
	var hf *converge.HardFailError
	if errors.As(err, &hf) {
		return &TxnError{
			Code:       ErrCodeHardFail,
			Message:    "plan touched invalid derived nodes",
			Violations: hf.Codes,
			Nodes:      hf.Nodes,
			Err:        err,
		}
	}
	var ne *converge.NodeError
	if errors.As(err, &ne) {
		return &TxnError{
			Code:    ErrCodeNodeFailed,
			Message: "derived node failed",
			Nodes:   []string{ne.Node},
			Err:     err,
		}
	}
	return &TxnError{Code: ErrCodeNodeFailed, Message: "convergence failed", Err: err}
}

func (i *Instance) fail(ctx context.Context, span trace.Span, it *txnItem, d converge.Decision, te *TxnError) (Outcome, error) {
	te.InstanceID = i.id
	te.Module = i.module

	payload := ir.IRObject{
		"code":    ir.IRString(te.Code),
		"message": ir.IRString(te.Message),
		"lane":    ir.IRString(it.lane),
	}
	if len(te.Violations) > 0 {
		vs := make(ir.IRArray, len(te.Violations))
		for k, c := range te.Violations {
			vs[k] = ir.IRString(c)
		}
		payload["violations"] = vs
	}
	if len(te.Nodes) > 0 {
		payload["nodes"] = stringArray(te.Nodes)
	}
	if te.Err != nil {
		payload["error"] = ir.IRString(te.Err.Error())
	}
	i.emit(ctx, diag.KindTxnFailed, 0, payload)

	i.logger.Error("transaction failed",
		"event", "txn_failed",
		"code", te.Code,
		"lane", it.lane,
		"error", te.Err,
	)
	span.RecordError(te)
	span.SetStatus(codes.Error, string(te.Code))

	return Outcome{Lane: it.lane, Decision: d, State: i.State()}, te
}

// install makes g the current generation. Runs on the consumer.
func (i *Instance) install(ctx context.Context, g *generation) {
	prev := i.current.Load()
	g.gen = prev.gen + 1
	i.current.Store(g)
	i.sched.Purge()

	keep := make(map[string]bool)
	for n := 0; n < g.graph.Len(); n++ {
		if l, ok := g.graph.Node(n).Decl.Spec.(graph.List); ok {
			keep[converge.ListKey(l)] = true
		}
	}
	if dropped := i.rows.ForgetExcept(keep); len(dropped) > 0 {
		i.logger.Debug("row identities dropped",
			"event", "rows_forgotten",
			"lists", dropped,
		)
	}

	i.emit(ctx, diag.KindGraphSwapped, 0, ir.IRObject{
		"generation": ir.IRInt(int64(g.gen)),
		"nodes":      ir.IRInt(g.graph.Len()),
		"issues":     ir.IRInt(len(g.report.Issues)),
	})
	i.logger.Info("graph swapped",
		"event", "graph_swapped",
		"generation", g.gen,
		"nodes", g.graph.Len(),
	)
	i.reportIssues(ctx, g.gen, g.report)
}

func (i *Instance) reportIssues(ctx context.Context, gen uint64, rep *graph.Report) {
	for _, is := range rep.Issues {
		i.emit(ctx, diag.KindConfigError, 0, ir.IRObject{
			"code":       ir.IRString(is.Code),
			"nodes":      stringArray(is.Nodes),
			"path":       stringArray(is.Path),
			"message":    ir.IRString(is.Message),
			"generation": ir.IRInt(int64(gen)),
		})
		i.logger.Warn("graph validation issue",
			"event", "config_error",
			"code", is.Code,
			"nodes", is.Nodes,
			"message", is.Message,
		)
	}
}

func (i *Instance) emitDecision(ctx context.Context, seq int64, lane Lane, d converge.Decision) {
	payload := d.Payload()
	payload["lane"] = ir.IRString(lane)
	i.emit(ctx, diag.KindConvergeDecision, seq, payload)
}

func (i *Instance) emit(ctx context.Context, kind diag.Kind, seq int64, payload ir.IRObject) {
	i.rt.emitter.Emit(ctx, diag.Event{
		Kind:       kind,
		InstanceID: i.id,
		ModuleID:   i.module,
		TxnSeq:     seq,
		Payload:    payload,
	})
}

// notifyLinks queues link paths for a refresh transaction. Never blocks.
func (i *Instance) notifyLinks(paths []string) {
	i.linkMu.Lock()
	for _, p := range paths {
		i.linkPending[p] = struct{}{}
	}
	i.linkMu.Unlock()

	select {
	case i.linkWake <- struct{}{}:
	default:
	}
}

func (i *Instance) takeLinks() []string {
	i.linkMu.Lock()
	defer i.linkMu.Unlock()
	out := make([]string, 0, len(i.linkPending))
	for p := range i.linkPending {
		out = append(out, p)
	}
	clear(i.linkPending)
	i.linkBusy = len(out) > 0
	slices.Sort(out)
	return out
}

// linkLoop turns link notifications into non-urgent refresh transactions.
// Notifications that arrive while a refresh is queued coalesce into the
// next one.
func (i *Instance) linkLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-i.linkWake:
		}

		paths := i.takeLinks()
		if len(paths) == 0 {
			continue
		}
		_, err := i.submit(ctx, &txnItem{ctx: ctx, lane: LaneNonUrgent, marks: paths})
		i.linkMu.Lock()
		i.linkBusy = false
		i.linkMu.Unlock()
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrDisposed) {
			i.logger.Warn("link refresh failed",
				"event", "link_refresh_failed",
				"paths", paths,
				"error", err,
			)
		}
	}
}

func stringArray(ss []string) ir.IRArray {
	out := make(ir.IRArray, len(ss))
	for k, s := range ss {
		out[k] = ir.IRString(s)
	}
	return out
}
