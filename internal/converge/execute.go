package converge

import (
	"context"
	"fmt"

	"github.com/roach88/converge/internal/graph"
	"github.com/roach88/converge/internal/ir"
	"github.com/roach88/converge/internal/rowid"
)

// Source snapshot status values.
const (
	SourceIdle    = "idle"
	SourceLoading = "loading"
	SourceSuccess = "success"
	SourceError   = "error"
)

// SourceSnapshot builds the object a source node writes to its target.
func SourceSnapshot(status string, key, data ir.IRValue, errMsg string) ir.IRObject {
	snap := ir.IRObject{
		"status": ir.IRString(status),
		"key":    orNull(key),
		"data":   orNull(data),
		"error":  ir.IRNull{},
	}
	if errMsg != "" {
		snap["error"] = ir.IRString(errMsg)
	}
	return snap
}

func orNull(v ir.IRValue) ir.IRValue {
	if v == nil {
		return ir.IRNull{}
	}
	return v
}

func (s *Scheduler) execute(ctx context.Context, in Input, plan []int, d Decision) (Result, error) {
	budget := StartBudget(s.clock, "execution", in.Policy.ExecutionBudget)

	forced := make(map[int]bool, len(in.Forced))
	for _, i := range in.Forced {
		forced[i] = true
	}

	res := Result{State: in.State}
	state := in.State
	for _, i := range plan {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		n := in.Graph.Node(i)
		segs := ir.SplitPath(n.Decl.Target)
		args := s.inputs(in, n, state)
		inputHash := ir.InputHash(args)
		current, _ := ir.GetPath(state, segs)

		if m, ok := s.memos[i]; ok && m.input == inputHash && ir.Equal(current, m.output) {
			continue
		}

		if n.Decl.Deferred && !forced[i] {
			if in.Policy.Lane.Enabled {
				res.Deferred = append(res.Deferred, i)
				d.Deferred = append(d.Deferred, n.Name())
				continue
			}
			if budget.Check() != nil {
				d.Frozen = append(d.Frozen, n.Name())
				continue
			}
		}

		value, effect, err := s.run(in, i, n, args, current)
		if err != nil {
			d.Outcome = OutcomeHardFailed
			d.ExecutionDuration = budget.Elapsed()
			return Result{State: in.State, Decision: d}, &NodeError{Node: n.Name(), Err: err}
		}
		d.Stats.Executed++
		if effect != nil {
			res.Effects = append(res.Effects, *effect)
		}

		if !ir.Equal(current, value) {
			next, err := ir.SetPath(state, segs, value)
			if err != nil {
				d.Outcome = OutcomeHardFailed
				d.ExecutionDuration = budget.Elapsed()
				return Result{State: in.State, Decision: d}, &NodeError{Node: n.Name(), Err: fmt.Errorf("write target: %w", err)}
			}
			state = next
			d.Stats.Changed++
			d.Changed = append(d.Changed, n.Name())
		}
		s.memos[i] = memo{input: inputHash, output: value}
	}

	d.Stats.Skipped = d.Stats.Affected - d.Stats.Executed
	d.ExecutionDuration = budget.Elapsed()
	d.Outcome = OutcomeSuccess
	if len(d.Frozen) > 0 {
		d.Outcome = OutcomeDegraded
	}

	res.State = state
	res.Decision = d
	return res, nil
}

// inputs gathers the values a node reads from the draft. Missing paths
// read as null.
func (s *Scheduler) inputs(in Input, n *graph.Node, state ir.IRObject) ir.IRArray {
	read := func(p string) ir.IRValue {
		v, ok := ir.GetPath(state, ir.SplitPath(p))
		if !ok {
			return ir.IRNull{}
		}
		return v
	}

	args := make(ir.IRArray, 0, len(n.Decl.Deps)+1)
	switch spec := n.Decl.Spec.(type) {
	case graph.Link:
		v, ok := ir.IRValue(nil), false
		if in.Links != nil {
			v, ok = in.Links.Resolve(spec.Module, spec.Path)
		}
		if !ok {
			v = ir.IRNull{}
		}
		args = append(args, v)
	case graph.List:
		args = append(args, read(spec.Items))
	}
	for _, p := range n.Decl.Deps {
		args = append(args, read(p))
	}
	return args
}

// run executes one node and returns the value for its target.
func (s *Scheduler) run(in Input, idx int, n *graph.Node, args ir.IRArray, current ir.IRValue) (ir.IRValue, *SourceEffect, error) {
	switch spec := n.Decl.Spec.(type) {
	case graph.Computed:
		v, err := spec.Fn(args)
		return orNull(v), nil, err

	case graph.Link:
		return args[0], nil, nil

	case graph.List:
		v, err := s.runList(in, idx, spec, args)
		return v, nil, err

	case graph.Source:
		return runSource(n, spec, args, current)

	default:
		return nil, nil, fmt.Errorf("unknown node kind %T", n.Decl.Spec)
	}
}

// ListKey names the row identity mapping of a list node.
func ListKey(l graph.List) string {
	return l.Items + "#" + l.TrackBy
}

func (s *Scheduler) runList(in Input, idx int, spec graph.List, args ir.IRArray) (ir.IRValue, error) {
	items, _ := args[0].(ir.IRArray)
	extra := args[1:]

	var ids []rowid.RowID
	if in.Rows != nil {
		ids = in.Rows.EnsureList(ListKey(spec), items, spec.TrackBy)
	}

	prev := s.rows[idx]
	next := make(map[rowid.RowID]memo, len(items))
	out := make(ir.IRArray, len(items))
	for r, row := range items {
		rowArgs := make(ir.IRArray, 0, len(extra)+1)
		rowArgs = append(rowArgs, row)
		rowArgs = append(rowArgs, extra...)
		h := ir.InputHash(rowArgs)

		if ids != nil {
			if m, ok := prev[ids[r]]; ok && m.input == h {
				out[r] = m.output
				next[ids[r]] = m
				continue
			}
		}

		v, err := spec.Fn(rowArgs)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		out[r] = orNull(v)
		if ids != nil {
			next[ids[r]] = memo{input: h, output: out[r]}
		}
	}
	s.rows[idx] = next
	return out, nil
}

func runSource(n *graph.Node, spec graph.Source, args ir.IRArray, current ir.IRValue) (ir.IRValue, *SourceEffect, error) {
	key, err := spec.Key(args)
	if err != nil {
		return nil, nil, fmt.Errorf("source key: %w", err)
	}
	key = orNull(key)
	cur, _ := current.(ir.IRObject)

	if _, isNull := key.(ir.IRNull); isNull {
		idle := SourceSnapshot(SourceIdle, nil, nil, "")
		if cur == nil || ir.Equal(cur, idle) {
			return idle, nil, nil
		}
		return idle, &SourceEffect{Node: n.Name(), Target: n.Decl.Target, Policy: spec.Policy, Cancel: true}, nil
	}

	if cur != nil && ir.Equal(cur["key"], key) && cur["status"] != ir.IRString(SourceIdle) {
		return cur, nil, nil
	}

	var stale ir.IRValue
	if cur != nil {
		stale = cur["data"]
	}
	return SourceSnapshot(SourceLoading, key, stale, ""), &SourceEffect{
		Node:    n.Name(),
		Target:  n.Decl.Target,
		Key:     key,
		KeyHash: ir.InputHash(ir.IRArray{key}),
		Policy:  spec.Policy,
		Load:    spec.Load,
	}, nil
}
