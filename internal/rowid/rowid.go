// Package rowid assigns stable identities to the rows of list fields so
// per-row derived values survive reordering, insertion, and removal.
package rowid

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/roach88/converge/internal/ir"
)

// RowID identifies one row of one list within an instance.
// Format: "<instanceID>::r<seq>". Never reused.
type RowID string

// Store tracks row identity for every list of an instance.
//
// Rows are keyed by their trackBy field when one is configured. Otherwise
// object rows are keyed by identity (the address of the underlying map)
// and scalar rows by value. Object rows replaced through a write get a new
// identity; lists that edit rows in place should set trackBy.
type Store struct {
	instanceID string

	mu    sync.Mutex
	seq   int64
	lists map[string]*listState
}

type listState struct {
	trackBy string
	byKey   map[string]RowID
	ids     []RowID

	// items pins the previous row objects so their addresses cannot be
	// reused by new rows while the mapping is live.
	items ir.IRArray
}

// New creates an empty store for instanceID.
func New(instanceID string) *Store {
	return &Store{
		instanceID: instanceID,
		lists:      make(map[string]*listState),
	}
}

// EnsureList returns one RowID per element of items, in order.
//
// Rows whose key was present in the previous call keep their RowID; new
// keys get fresh, monotonically increasing IDs. Changing trackBy for a
// list resets its identities.
func (s *Store) EnsureList(listKey string, items ir.IRArray, trackBy string) []RowID {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.build(s.lists[listKey], items, trackBy)
	s.lists[listKey] = next
	return slices.Clone(next.ids)
}

// build maps items onto prev. Fresh IDs advance the store sequence even
// when the result is later discarded, so an ID is never handed out twice.
// The caller holds s.mu.
func (s *Store) build(prev *listState, items ir.IRArray, trackBy string) *listState {
	if prev != nil && prev.trackBy != trackBy {
		prev = nil
	}

	next := &listState{
		trackBy: trackBy,
		byKey:   make(map[string]RowID, len(items)),
		ids:     make([]RowID, len(items)),
		items:   items,
	}

	seen := make(map[string]int, len(items))
	for i, item := range items {
		base := rowKey(item, trackBy)
		key := fmt.Sprintf("%s#%d", base, seen[base])
		seen[base]++

		id, ok := RowID(""), false
		if prev != nil {
			id, ok = prev.byKey[key]
		}
		if !ok {
			s.seq++
			id = RowID(fmt.Sprintf("%s::r%d", s.instanceID, s.seq))
		}
		next.byKey[key] = id
		next.ids[i] = id
	}
	return next
}

// Lookup returns the RowIDs from the most recent committed EnsureList.
func (s *Store) Lookup(listKey string) []RowID {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lists[listKey]
	if !ok {
		return nil
	}
	return slices.Clone(st.ids)
}

// ForgetExcept drops every mapping whose key is not in keep and returns
// the dropped keys, sorted. Sequence numbers are not rewound.
func (s *Store) ForgetExcept(keep map[string]bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for k := range s.lists {
		if !keep[k] {
			dropped = append(dropped, k)
			delete(s.lists, k)
		}
	}
	slices.Sort(dropped)
	return dropped
}

// Stage is a transaction-scoped view of a Store. EnsureList calls see the
// committed mappings plus earlier calls on the same stage; nothing reaches
// the Store until Commit. A stage that is dropped leaves the Store as it
// was, apart from the sequence.
type Stage struct {
	s     *Store
	lists map[string]*listState
}

// Stage opens a stage over s.
func (s *Store) Stage() *Stage {
	return &Stage{s: s, lists: make(map[string]*listState)}
}

// EnsureList is Store.EnsureList against the staged mappings.
func (st *Stage) EnsureList(listKey string, items ir.IRArray, trackBy string) []RowID {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	prev, ok := st.lists[listKey]
	if !ok {
		prev = st.s.lists[listKey]
	}
	next := st.s.build(prev, items, trackBy)
	st.lists[listKey] = next
	return slices.Clone(next.ids)
}

// Commit publishes the staged mappings. The stage must not be used after.
func (st *Stage) Commit() {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for k, v := range st.lists {
		st.s.lists[k] = v
	}
	st.lists = nil
}

func rowKey(item ir.IRValue, trackBy string) string {
	if obj, ok := item.(ir.IRObject); ok {
		if trackBy != "" {
			if v, present := obj[trackBy]; present {
				return "k:" + string(ir.MustCanonical(v))
			}
		}
		if obj != nil {
			return fmt.Sprintf("p:%x", reflect.ValueOf(obj).Pointer())
		}
	}
	if arr, ok := item.(ir.IRArray); ok && len(arr) > 0 {
		return fmt.Sprintf("p:%x", reflect.ValueOf(arr).Pointer())
	}
	return "v:" + string(ir.MustCanonical(item))
}
