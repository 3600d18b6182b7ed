package fieldpath

import (
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ID identifies a registered path. IDs start at 1; 0 means "no path".
type ID int32

// Path is an ordered list of field segments.
type Path []string

// String renders the path in dotted form.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Parse converts a dotted state path into a structural Path.
// Numeric and "*" segments are dropped. Returns false when nothing
// trackable remains or a segment is empty.
func Parse(s string) (Path, bool) {
	if s == "" {
		return nil, false
	}
	raw := strings.Split(s, ".")
	out := make(Path, 0, len(raw))
	for _, seg := range raw {
		if seg == "" {
			return nil, false
		}
		if seg == "*" {
			continue
		}
		if _, err := strconv.Atoi(seg); err == nil {
			continue
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Registry assigns stable IDs to paths for the lifetime of an instance.
//
// Registration is idempotent: the first registration of a path wins and
// later calls return the same ID. Every proper prefix of a registered path
// is registered too, so ancestor checks walk parent links.
//
// Registry is safe for concurrent use. The consumer goroutine registers
// while link and lane goroutines may look up.
type Registry struct {
	mu      sync.RWMutex
	ids     map[string]ID
	paths   []Path // indexed by ID; paths[0] unused
	parents []ID   // indexed by ID; 0 for top-level fields
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:     make(map[string]ID),
		paths:   []Path{nil},
		parents: []ID{0},
	}
}

// Register returns the ID for p, registering it and its prefixes if needed.
// An empty path returns 0.
func (r *Registry) Register(p Path) ID {
	if len(p) == 0 {
		return 0
	}

	r.mu.RLock()
	id, ok := r.ids[p.String()]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var parent ID
	for i := 1; i <= len(p); i++ {
		prefix := p[:i]
		key := prefix.String()
		existing, ok := r.ids[key]
		if !ok {
			existing = ID(len(r.paths))
			r.ids[key] = existing
			r.paths = append(r.paths, slices.Clone(prefix))
			r.parents = append(r.parents, parent)
		}
		parent = existing
	}
	return parent
}

// RegisterString parses s and registers the result.
func (r *Registry) RegisterString(s string) (ID, bool) {
	p, ok := Parse(s)
	if !ok {
		return 0, false
	}
	return r.Register(p), true
}

// Lookup returns the ID for p without registering it.
func (r *Registry) Lookup(p Path) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[p.String()]
	return id, ok
}

// Path returns the path for id, or nil when id is unknown.
func (r *Registry) Path(id ID) Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id <= 0 || int(id) >= len(r.paths) {
		return nil
	}
	return r.paths[id]
}

// Parent returns the ID of id's immediate prefix, or 0 for a top-level field.
func (r *Registry) Parent(id ID) ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id <= 0 || int(id) >= len(r.parents) {
		return 0
	}
	return r.parents[id]
}

// Len returns the number of registered paths.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths) - 1
}

// AncestorOf reports whether a is a strict prefix of b.
func (r *Registry) AncestorOf(a, b ID) bool {
	if a <= 0 || a == b {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for cur := r.parentLocked(b); cur != 0; cur = r.parentLocked(cur) {
		if cur == a {
			return true
		}
	}
	return false
}

// Overlaps reports whether a and b are equal or one is an ancestor of the other.
func (r *Registry) Overlaps(a, b ID) bool {
	return a == b || r.AncestorOf(a, b) || r.AncestorOf(b, a)
}

func (r *Registry) parentLocked(id ID) ID {
	if id <= 0 || int(id) >= len(r.parents) {
		return 0
	}
	return r.parents[id]
}

// Canonicalize deduplicates ids, drops any id that has an ancestor in the
// set, and sorts the result ascending. Zero IDs are ignored.
func (r *Registry) Canonicalize(ids []ID) []ID {
	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		if id > 0 {
			set[id] = struct{}{}
		}
	}

	r.mu.RLock()
	out := make([]ID, 0, len(set))
	for id := range set {
		covered := false
		for cur := r.parentLocked(id); cur != 0; cur = r.parentLocked(cur) {
			if _, ok := set[cur]; ok {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}
