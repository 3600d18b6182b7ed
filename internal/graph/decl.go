package graph

import (
	"context"
	"fmt"

	"github.com/roach88/converge/internal/ir"
)

// Kind names a node variant.
type Kind string

const (
	KindComputed Kind = "computed"
	KindLink     Kind = "link"
	KindSource   Kind = "source"
	KindList     Kind = "list"
)

// Func derives a value from its inputs, given in declaration order.
type Func func(args []ir.IRValue) (ir.IRValue, error)

// Loader fetches the data for a source key. It runs off the transaction
// queue and must honor ctx cancellation.
type Loader func(ctx context.Context, key ir.IRValue) (ir.IRValue, error)

// Spec is the kind-specific part of a declaration.
// Implemented only by Computed, Link, Source, and List.
type Spec interface {
	Kind() Kind
	sealed()
}

// Computed writes Fn(deps...) to the target.
type Computed struct {
	FnName string
	Fn     Func
}

// Link mirrors Path from the committed state of the Module instance.
type Link struct {
	Module string
	Path   string
}

// SourcePolicy decides what happens when a key changes while a load is
// in flight.
type SourcePolicy string

const (
	// SourceSwitch cancels the in-flight load; the latest key wins.
	SourceSwitch SourcePolicy = "switch"
	// SourceExhaust lets the in-flight load finish, then reloads once
	// for the most recent key.
	SourceExhaust SourcePolicy = "exhaust"
)

// Source derives a resource key from its deps and loads it asynchronously.
// The target holds a snapshot object {status, key, data, error}.
type Source struct {
	KeyName    string
	Key        Func
	LoaderName string
	Load       Loader
	Policy     SourcePolicy
}

// List maps Fn over the rows of Items. Each call receives the row followed
// by the values of the extra deps. Row results are memoized by row
// identity, so reordering does not recompute.
type List struct {
	Items   string
	TrackBy string
	FnName  string
	Fn      Func
}

func (Computed) Kind() Kind { return KindComputed }
func (Link) Kind() Kind     { return KindLink }
func (Source) Kind() Kind   { return KindSource }
func (List) Kind() Kind     { return KindList }

func (Computed) sealed() {}
func (Link) sealed()     {}
func (Source) sealed()   {}
func (List) sealed()     {}

// Decl declares one derived field.
type Decl struct {
	Name   string
	Target string
	Deps   []string

	// DynamicReads marks a node whose reads are not declared up front.
	// Such nodes run on every dirty plan.
	DynamicReads bool

	Traits   []string
	Requires []string
	Excludes []string

	// Deferred nodes run on the non-urgent lane when lanes are enabled.
	Deferred bool

	Spec Spec
}

// LinkPath is the synthetic local path a link node depends on. The
// runtime marks it dirty when the linked module commits a change at path.
func LinkPath(module, path string) string {
	return fmt.Sprintf("$link.%s.%s", module, path)
}

// reads returns every path the node depends on, including the implicit
// ones contributed by its kind.
func (d Decl) reads() []string {
	out := make([]string, 0, len(d.Deps)+1)
	switch s := d.Spec.(type) {
	case List:
		out = append(out, s.Items)
	case Link:
		out = append(out, LinkPath(s.Module, s.Path))
	}
	return append(out, d.Deps...)
}
