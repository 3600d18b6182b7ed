package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// SplitPath splits a dotted state path ("items.0.price") into segments.
// An empty string yields nil.
func SplitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

// GetPath reads the value at segs under v.
//
// Numeric segments index arrays. A non-numeric segment applied to an array
// projects the remaining path over every element, so "items.price" yields
// the array of all item prices. Missing elements project as IRNull.
func GetPath(v IRValue, segs []string) (IRValue, bool) {
	if len(segs) == 0 {
		return v, true
	}
	switch val := v.(type) {
	case IRObject:
		child, ok := val[segs[0]]
		if !ok {
			return nil, false
		}
		return GetPath(child, segs[1:])
	case IRArray:
		if idx, err := strconv.Atoi(segs[0]); err == nil {
			if idx < 0 || idx >= len(val) {
				return nil, false
			}
			return GetPath(val[idx], segs[1:])
		}
		rest := segs
		if segs[0] == "*" {
			rest = segs[1:]
		}
		out := make(IRArray, len(val))
		for i, elem := range val {
			got, ok := GetPath(elem, rest)
			if !ok {
				got = IRNull{}
			}
			out[i] = got
		}
		return out, true
	default:
		return nil, false
	}
}

// SetPath returns a copy of root with segs set to v.
// Only the containers along the path are copied; siblings are shared.
// Missing intermediate objects are created.
func SetPath(root IRObject, segs []string, v IRValue) (IRObject, error) {
	if len(segs) == 0 {
		obj, ok := v.(IRObject)
		if !ok {
			return nil, fmt.Errorf("root must be an object, got %T", v)
		}
		return obj, nil
	}
	out, err := setIn(root, segs, v)
	if err != nil {
		return nil, err
	}
	return out.(IRObject), nil
}

func setIn(cur IRValue, segs []string, v IRValue) (IRValue, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg := segs[0]
	switch c := cur.(type) {
	case nil, IRNull:
		child, err := setIn(nil, segs[1:], v)
		if err != nil {
			return nil, err
		}
		return IRObject{seg: child}, nil
	case IRObject:
		child, err := setIn(c[seg], segs[1:], v)
		if err != nil {
			return nil, fmt.Errorf("%s.%w", seg, err)
		}
		next := c.Clone()
		next[seg] = child
		return next, nil
	case IRArray:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("index %q out of range for array of %d", seg, len(c))
		}
		child, err := setIn(c[idx], segs[1:], v)
		if err != nil {
			return nil, fmt.Errorf("%s.%w", seg, err)
		}
		next := make(IRArray, len(c))
		copy(next, c)
		next[idx] = child
		return next, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", cur, seg)
	}
}
