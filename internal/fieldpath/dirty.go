package fieldpath

import (
	"fmt"

	"github.com/roach88/converge/internal/ir"
)

// Reason explains why a dirty set degraded to "everything dirty".
type Reason string

const (
	ReasonUnknownWrite      Reason = "unknown_write"
	ReasonCustomMutation    Reason = "custom_mutation"
	ReasonNonTrackablePatch Reason = "non_trackable_patch"
	ReasonFallbackPolicy    Reason = "fallback_policy"

	// ReasonInitial marks the full convergence run when an instance starts.
	ReasonInitial Reason = "initial"
	// ReasonGraphSwap marks the full convergence run after a hot swap.
	ReasonGraphSwap Reason = "graph_swap"
)

const allDirtyDomain = "*"

// DirtySet is the canonical set of changed roots for one transaction.
//
// When All is true, RootIDs is empty and Reason says why. Otherwise
// RootIDs is non-empty, sorted ascending, and contains no two IDs where
// one is an ancestor of the other.
//
// The zero value is a third, clean state: the transaction wrote nothing.
// Lane slices and read-only bodies produce it. The scheduler plans only forced nodes for a clean
// set and never caches it.
type DirtySet struct {
	All     bool   `json:"all"`
	Reason  Reason `json:"reason,omitempty"`
	RootIDs []ID   `json:"root_ids,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// Clean reports whether nothing was written.
func (d DirtySet) Clean() bool {
	return !d.All && len(d.RootIDs) == 0
}

// AllDirty returns a dirty set covering every field.
func AllDirty(reason Reason) DirtySet {
	return DirtySet{
		All:    true,
		Reason: reason,
		Hash:   ir.DirtySetHash([]string{allDirtyDomain}),
	}
}

// NewDirtySet canonicalizes ids into a dirty set. Empty input yields a
// clean set.
func (r *Registry) NewDirtySet(ids []ID) DirtySet {
	roots := r.Canonicalize(ids)
	if len(roots) == 0 {
		return DirtySet{}
	}
	paths := make([]string, len(roots))
	for i, id := range roots {
		paths[i] = r.Path(id).String()
	}
	return DirtySet{
		RootIDs: roots,
		Hash:    ir.DirtySetHash(paths),
	}
}

// Validate checks the canonical-form invariants of d against r.
func (r *Registry) Validate(d DirtySet) error {
	if d.All {
		if len(d.RootIDs) != 0 {
			return fmt.Errorf("all-dirty set carries %d root ids", len(d.RootIDs))
		}
		if d.Reason == "" {
			return fmt.Errorf("all-dirty set has no reason")
		}
		return nil
	}
	for i, id := range d.RootIDs {
		if i > 0 && d.RootIDs[i-1] >= id {
			return fmt.Errorf("root ids not strictly ascending at %d", i)
		}
		for j, other := range d.RootIDs {
			if i != j && r.AncestorOf(other, id) {
				return fmt.Errorf("root %d is covered by ancestor %d", id, other)
			}
		}
	}
	return nil
}

// Tracker accumulates writes during a transaction.
type Tracker struct {
	reg    *Registry
	ids    []ID
	all    bool
	reason Reason
}

// NewTracker creates a tracker bound to reg.
func NewTracker(reg *Registry) *Tracker {
	return &Tracker{reg: reg}
}

// Mark records a write at the dotted state path s. A path that cannot be
// parsed degrades the set to all-dirty with ReasonNonTrackablePatch.
func (t *Tracker) Mark(s string) {
	id, ok := t.reg.RegisterString(s)
	if !ok {
		t.MarkAll(ReasonNonTrackablePatch)
		return
	}
	t.ids = append(t.ids, id)
}

// MarkAll degrades the set to all-dirty. The first reason is kept.
func (t *Tracker) MarkAll(reason Reason) {
	if !t.all {
		t.all = true
		t.reason = reason
	}
}

// Build returns the canonical dirty set for everything marked so far.
func (t *Tracker) Build() DirtySet {
	if t.all {
		return AllDirty(t.reason)
	}
	return t.reg.NewDirtySet(t.ids)
}
