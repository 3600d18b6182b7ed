package engine

import (
	"context"
	"fmt"

	"github.com/roach88/converge/internal/fieldpath"
	"github.com/roach88/converge/internal/ir"
)

// Body is a unit of work that runs with exclusive access to one instance's
// state. Returning an error discards every write the body made.
type Body func(ctx context.Context, tx *Txn) error

// Patch reason codes recorded by Txn helpers.
const (
	PatchSet     = "set"
	PatchMutate  = "mutate"
	PatchReplace = "replace"
)

// Patch is one declared state change.
type Patch struct {
	Path   string     `json:"path"`
	Reason string     `json:"reason"`
	Prev   ir.IRValue `json:"prev,omitempty"`
	Next   ir.IRValue `json:"next,omitempty"`
	NodeID string     `json:"node_id,omitempty"`
}

// Txn is the draft a body writes through.
//
// Writes are persistent updates to an immutable tree, so the committed
// state is never touched until the consumer commits. A Txn is valid only
// inside the body it was handed to.
type Txn struct {
	state   ir.IRObject
	tracker *fieldpath.Tracker
	patches []Patch
	lane    Lane
}

func newTxn(base ir.IRObject, reg *fieldpath.Registry, lane Lane) *Txn {
	return &Txn{
		state:   base,
		tracker: fieldpath.NewTracker(reg),
		lane:    lane,
	}
}

// Lane reports which lane the transaction runs on.
func (t *Txn) Lane() Lane { return t.lane }

// State returns the current draft.
func (t *Txn) State() ir.IRObject { return t.state }

// Get reads the draft at a dotted path.
func (t *Txn) Get(path string) (ir.IRValue, bool) {
	return ir.GetPath(t.state, ir.SplitPath(path))
}

// Set writes v at path and records the patch.
func (t *Txn) Set(path string, v ir.IRValue) error {
	if path == "" {
		return fmt.Errorf("set: empty path")
	}
	prev, _ := t.Get(path)
	next, err := ir.SetPath(t.state, ir.SplitPath(path), v)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	t.state = next
	t.RecordStatePatch(path, PatchSet, prev, v, "")
	return nil
}

// RecordStatePatch declares that path changed. Bodies that write through
// Set never need to call it; bodies that build state another way must, or
// the change is invisible to dirty planning.
//
// An empty or non-trackable path degrades the transaction to all-dirty.
func (t *Txn) RecordStatePatch(path, reason string, prev, next ir.IRValue, nodeID string) {
	t.patches = append(t.patches, Patch{Path: path, Reason: reason, Prev: prev, Next: next, NodeID: nodeID})
	if path == "" {
		t.tracker.MarkAll(fieldpath.ReasonNonTrackablePatch)
		return
	}
	t.tracker.Mark(path)
}

// Mutate hands the whole draft to fn. The shape of the change is unknown,
// so the transaction recomputes every derived node.
func (t *Txn) Mutate(fn func(ir.IRObject) (ir.IRObject, error)) error {
	next, err := fn(t.state)
	if err != nil {
		return fmt.Errorf("mutate: %w", err)
	}
	if next == nil {
		next = ir.IRObject{}
	}
	t.state = next
	t.patches = append(t.patches, Patch{Reason: PatchMutate})
	t.tracker.MarkAll(fieldpath.ReasonCustomMutation)
	return nil
}

// Replace swaps the whole draft for next as an unknown write.
func (t *Txn) Replace(next ir.IRObject) {
	if next == nil {
		next = ir.IRObject{}
	}
	t.state = next
	t.patches = append(t.patches, Patch{Reason: PatchReplace})
	t.tracker.MarkAll(fieldpath.ReasonUnknownWrite)
}

// Patches returns the patches recorded so far.
func (t *Txn) Patches() []Patch {
	return t.patches
}
