package delta

import (
	"reflect"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// applyOrder fixes tag execution during Apply. $pull and $addToSet are
// reserved tags the tracker never emits, but an applier tolerates them
// and runs them last.
var applyOrder = []Tag{
	TagSet, TagUnset, TagPush, TagAppend, TagPrepend,
	TagPop, TagSplice, TagPull, TagAddToSet,
}

// Apply executes d against value and returns the resulting value. The
// input is not modified. Per-path order within a tag is unspecified.
func Apply(value any, d Delta) any {
	out := Clone(value)
	for _, tag := range applyOrder {
		for path, arg := range d[tag] {
			out = applyOne(out, tag, path, arg)
		}
	}
	return out
}

func applyOne(root any, tag Tag, path string, arg any) any {
	switch tag {
	case TagSet:
		return setPath(root, splitPath(path), arg)
	case TagUnset:
		unsetPath(root, splitPath(path))
		return root
	case TagPush:
		return editSeq(root, splitPath(path), func(seq []any) []any {
			return append(seq, arg)
		})
	case TagAppend:
		items, ok := arg.([]any)
		if !ok {
			return root
		}
		return editSeq(root, splitPath(path), func(seq []any) []any {
			return append(seq, items...)
		})
	case TagPrepend:
		items, ok := arg.([]any)
		if !ok {
			return root
		}
		return editSeq(root, splitPath(path), func(seq []any) []any {
			return append(append([]any{}, items...), seq...)
		})
	case TagPop:
		return editSeq(root, splitPath(path), func(seq []any) []any {
			if len(seq) == 0 {
				return seq
			}
			switch asInt(arg) {
			case 1:
				return seq[:len(seq)-1]
			case -1:
				return seq[1:]
			}
			return seq
		})
	case TagSplice:
		args, ok := arg.([]any)
		if !ok || len(args) < 2 {
			return root
		}
		return editSeq(root, splitPath(path), func(seq []any) []any {
			return splice(seq, asInt(args[0]), asInt(args[1]), args[2:])
		})
	case TagPull:
		return editSeq(root, splitPath(path), func(seq []any) []any {
			for i, e := range seq {
				if reflect.DeepEqual(e, arg) {
					return append(seq[:i:i], seq[i+1:]...)
				}
			}
			return seq
		})
	case TagAddToSet:
		return addToSet(root, splitPath(path), arg)
	}
	return root
}

// splitPath breaks a dotted path into segments. The empty path means
// the root and yields no segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// setPath assigns v at the given path, creating intermediate objects
// for absent keys, and returns the (possibly replaced) root.
func setPath(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	seg, rest := segs[0], segs[1:]
	switch c := root.(type) {
	case map[string]any:
		c[seg] = setPath(c[seg], rest, v)
		return c
	case map[any]any:
		c[seg] = setPath(c[seg], rest, v)
		return c
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 {
			return c
		}
		for idx >= len(c) {
			c = append(c, nil)
		}
		c[idx] = setPath(c[idx], rest, v)
		return c
	default:
		// Absent or scalar intermediate: materialize an object.
		m := map[string]any{}
		m[seg] = setPath(nil, rest, v)
		return m
	}
}

// unsetPath deletes the attribute at path. Absent paths are a no-op.
// Sequence elements are cleared to nil rather than removed.
func unsetPath(root any, segs []string) {
	if len(segs) == 0 {
		return
	}
	parent, ok := walk(root, segs[:len(segs)-1])
	if !ok {
		return
	}
	last := segs[len(segs)-1]
	switch c := parent.(type) {
	case map[string]any:
		delete(c, last)
	case map[any]any:
		delete(c, last)
	case []any:
		if idx, err := strconv.Atoi(last); err == nil && idx >= 0 && idx < len(c) {
			c[idx] = nil
		}
	}
}

// editSeq replaces the sequence at path with fn(seq). Missing or
// non-sequence targets are a no-op.
func editSeq(root any, segs []string, fn func([]any) []any) any {
	if len(segs) == 0 {
		if seq, ok := root.([]any); ok {
			return fn(seq)
		}
		return root
	}
	parent, ok := walk(root, segs[:len(segs)-1])
	if !ok {
		return root
	}
	last := segs[len(segs)-1]
	switch c := parent.(type) {
	case map[string]any:
		if seq, ok := c[last].([]any); ok {
			c[last] = fn(seq)
		}
	case map[any]any:
		if seq, ok := c[last].([]any); ok {
			c[last] = fn(seq)
		}
	case []any:
		if idx, err := strconv.Atoi(last); err == nil && idx >= 0 && idx < len(c) {
			if seq, ok := c[idx].([]any); ok {
				c[idx] = fn(seq)
			}
		}
	}
	return root
}

// addToSet inserts arg into the set or sequence at path when no equal
// member exists.
func addToSet(root any, segs []string, arg any) any {
	target, ok := walk(root, segs)
	if !ok {
		return root
	}
	switch c := target.(type) {
	case mapset.Set[any]:
		c.Add(arg)
		return root
	case []any:
		for _, e := range c {
			if reflect.DeepEqual(e, arg) {
				return root
			}
		}
		return editSeq(root, segs, func(seq []any) []any {
			return append(seq, arg)
		})
	}
	return root
}

// walk resolves the value at segs without creating intermediates.
func walk(root any, segs []string) (any, bool) {
	cur := root
	for _, seg := range segs {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[any]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// splice edits seq in the manner of a sequence splice: start and
// deleteCount are clamped to bounds, negative start counts from the
// end, and items are inserted at start.
func splice(seq []any, start, deleteCount int, items []any) []any {
	n := len(seq)
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if deleteCount > n-start {
		deleteCount = n - start
	}
	out := make([]any, 0, n-deleteCount+len(items))
	out = append(out, seq[:start]...)
	out = append(out, items...)
	out = append(out, seq[start+deleteCount:]...)
	return out
}

// asInt coerces the numeric encodings that appear in delta arguments.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
