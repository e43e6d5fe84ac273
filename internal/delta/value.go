package delta

import (
	"math/big"
	"reflect"
	"regexp"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Record trees are built from map[string]any objects, []any sequences,
// map[any]any keyed maps, mapset.Set[any] sets, scalars, and opaque
// leaves. Opaque leaves are replaced wholesale on assignment and are
// never descended into.

// IsOpaque reports whether v is treated as an opaque leaf: dates,
// regexes, and big integers.
func IsOpaque(v any) bool {
	switch v.(type) {
	case time.Time, *time.Time, *regexp.Regexp, *big.Int:
		return true
	}
	return false
}

// IsCompound reports whether v is a container the tracker descends
// into. Opaque leaves are not compound even though some are pointers.
func IsCompound(v any) bool {
	if IsOpaque(v) {
		return false
	}
	switch v.(type) {
	case map[string]any, []any, map[any]any, mapset.Set[any]:
		return true
	}
	return false
}

type cloneKey struct {
	ptr uintptr
	len int
}

// Clone deep-copies a record tree. Cycles are preserved: a container
// encountered twice maps to the same copy. Opaque leaves and scalars
// are shared.
func Clone(v any) any {
	return cloneValue(v, make(map[cloneKey]any))
}

func cloneValue(v any, seen map[cloneKey]any) any {
	switch c := v.(type) {
	case map[string]any:
		key := cloneKey{ptr: reflect.ValueOf(c).Pointer()}
		if dup, ok := seen[key]; ok {
			return dup
		}
		out := make(map[string]any, len(c))
		seen[key] = out
		for k, val := range c {
			out[k] = cloneValue(val, seen)
		}
		return out
	case map[any]any:
		key := cloneKey{ptr: reflect.ValueOf(c).Pointer()}
		if dup, ok := seen[key]; ok {
			return dup
		}
		out := make(map[any]any, len(c))
		seen[key] = out
		for k, val := range c {
			out[k] = cloneValue(val, seen)
		}
		return out
	case []any:
		if c == nil {
			return nil
		}
		key := cloneKey{ptr: reflect.ValueOf(c).Pointer(), len: len(c)}
		if dup, ok := seen[key]; ok {
			return dup
		}
		out := make([]any, len(c))
		seen[key] = out
		for i, val := range c {
			out[i] = cloneValue(val, seen)
		}
		return out
	case mapset.Set[any]:
		out := mapset.NewThreadUnsafeSet[any]()
		for _, e := range c.ToSlice() {
			out.Add(e)
		}
		return out
	default:
		return v
	}
}

// Same reports identity equality in the sense used for equal-write
// suppression: containers and pointer-typed opaque leaves (regexes,
// big integers) compare by pointer; comparable scalars and time.Time
// values compare by value.
func Same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	}
	if !ra.Type().Comparable() {
		return false
	}
	return a == b
}
