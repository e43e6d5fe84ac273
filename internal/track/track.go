// Package track wraps record trees and records every mutation applied
// through a wrapper as a path-addressed delta entry. A Tracker owns
// one root value; navigation hands out memoized child Nodes bound to
// dotted paths, and mutators both change the underlying value and
// append to the accumulated delta.
//
// Trackers are not safe for concurrent use. A tracker assumes
// single-goroutine cooperative access for the duration of a mutation
// window.
package track

import (
	"reflect"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hyperengineering/drift/internal/delta"
)

// Tracker owns a wrapped value tree and its accumulated delta.
type Tracker struct {
	value any
	root  *Node
	delta delta.Delta
	reads map[string]struct{}

	// identity cache: container identity -> node. A container reached
	// through two paths (including cycles) resolves to one node.
	cache map[uintptr]*Node
}

// Node is a wrapper over one container in the tree, bound to the
// dotted path from the tracker root.
type Node struct {
	t        *Tracker
	parent   *Node
	key      string
	path     string
	children map[string]*Node
}

// New wraps value in a fresh tracker.
func New(value any) *Tracker {
	t := &Tracker{
		value: value,
		delta: delta.New(),
		reads: make(map[string]struct{}),
		cache: make(map[uintptr]*Node),
	}
	t.root = &Node{t: t, path: ""}
	if ptr, ok := containerID(value); ok {
		t.cache[ptr] = t.root
	}
	return t
}

// Root returns the wrapper for the root value.
func (t *Tracker) Root() *Node { return t.root }

// Value returns the current underlying root value.
func (t *Tracker) Value() any { return t.value }

// Delta returns a copy of the accumulated delta with empty tags
// omitted.
func (t *Tracker) Delta() delta.Delta { return t.delta.Compact() }

// Accessed lists the paths read through the tracker, sorted.
func (t *Tracker) Accessed() []string {
	out := make([]string, 0, len(t.reads))
	for p := range t.reads {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// containerID returns an identity key for containers. Opaque leaves
// and scalars have no identity.
func containerID(v any) (uintptr, bool) {
	if !delta.IsCompound(v) {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		if ptr := rv.Pointer(); ptr != 0 {
			return ptr, true
		}
	}
	return 0, false
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Value returns the node's current underlying value.
func (n *Node) Value() any {
	if n.parent == nil {
		return n.t.value
	}
	v, _ := containerGet(n.parent.Value(), n.key)
	return v
}

// Path returns the node's dotted path from the root.
func (n *Node) Path() string { return n.path }

// setSelf writes a replacement container for this node back into its
// parent without recording a delta entry. Sequence mutators need this
// because growing a slice produces a new header.
func (n *Node) setSelf(v any) {
	if n.parent == nil {
		n.t.value = v
		return
	}
	containerSet(n.parent.Value(), n.key, v)
}

// Get reads the attribute and marks it accessed. The raw value is
// returned; compound values are not wrapped.
func (n *Node) Get(key string) any {
	p := childPath(n.path, key)
	n.t.reads[p] = struct{}{}
	v, _ := containerGet(n.Value(), key)
	return v
}

// At returns the wrapper for a compound child, memoized per attribute
// and deduplicated by container identity so cyclic records terminate.
// Reading a non-compound or absent child returns nil.
func (n *Node) At(key string) *Node {
	p := childPath(n.path, key)
	n.t.reads[p] = struct{}{}

	v, ok := containerGet(n.Value(), key)
	if !ok || !delta.IsCompound(v) {
		return nil
	}
	if child, ok := n.children[key]; ok {
		return child
	}
	if ptr, ok := containerID(v); ok {
		if existing, ok := n.t.cache[ptr]; ok {
			return existing
		}
	}
	child := &Node{t: n.t, parent: n, key: key, path: p}
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	n.children[key] = child
	if ptr, ok := containerID(v); ok {
		n.t.cache[ptr] = child
	}
	return child
}

// Index returns the wrapper for a sequence element.
func (n *Node) Index(i int) *Node { return n.At(strconv.Itoa(i)) }

// Set assigns v to the attribute. An assignment whose value is
// identical to the previous one records nothing. Replacing a compound
// records a single $set of the new value, never child deltas.
func (n *Node) Set(key string, v any) {
	prev, _ := containerGet(n.Value(), key)
	if delta.Same(prev, v) {
		return
	}
	if !containerSet(n.Value(), key, v) {
		return
	}
	delete(n.children, key)
	n.t.delta.Record(delta.TagSet, childPath(n.path, key), v)
}

// Delete removes the attribute and records $unset.
func (n *Node) Delete(key string) {
	if !containerDelete(n.Value(), key) {
		return
	}
	delete(n.children, key)
	n.t.delta.Record(delta.TagUnset, childPath(n.path, key), true)
}

// seq resolves the node's value as a sequence.
func (n *Node) seq() ([]any, bool) {
	s, ok := n.Value().([]any)
	return s, ok
}

// Push appends elements. A single element records $push, multiple
// lower to $append, zero records nothing.
func (n *Node) Push(vals ...any) {
	if len(vals) == 0 {
		return
	}
	seq, ok := n.seq()
	if !ok {
		return
	}
	n.setSelf(append(seq, vals...))
	if len(vals) == 1 {
		n.t.delta.Record(delta.TagPush, n.path, vals[0])
		return
	}
	n.t.delta.Record(delta.TagAppend, n.path, append([]any{}, vals...))
}

// Unshift prepends elements and records $prepend.
func (n *Node) Unshift(vals ...any) {
	if len(vals) == 0 {
		return
	}
	seq, ok := n.seq()
	if !ok {
		return
	}
	n.setSelf(append(append([]any{}, vals...), seq...))
	n.t.delta.Record(delta.TagPrepend, n.path, append([]any{}, vals...))
}

// Pop removes and returns the last element, recording $pop = 1.
func (n *Node) Pop() any {
	seq, ok := n.seq()
	if !ok {
		return nil
	}
	n.t.delta.Record(delta.TagPop, n.path, 1)
	if len(seq) == 0 {
		return nil
	}
	last := seq[len(seq)-1]
	n.setSelf(seq[:len(seq)-1])
	return last
}

// Shift removes and returns the first element, recording $pop = -1.
func (n *Node) Shift() any {
	seq, ok := n.seq()
	if !ok {
		return nil
	}
	n.t.delta.Record(delta.TagPop, n.path, -1)
	if len(seq) == 0 {
		return nil
	}
	first := seq[0]
	n.setSelf(seq[1:])
	return first
}

// Splice edits the sequence in place and records $splice with the
// original arguments. The removed elements are returned.
func (n *Node) Splice(start, deleteCount int, items ...any) []any {
	seq, ok := n.seq()
	if !ok {
		return nil
	}
	s, d := clampSplice(len(seq), start, deleteCount)
	removed := append([]any{}, seq[s:s+d]...)

	out := make([]any, 0, len(seq)-d+len(items))
	out = append(out, seq[:s]...)
	out = append(out, items...)
	out = append(out, seq[s+d:]...)
	n.setSelf(out)

	arg := []any{start, deleteCount}
	arg = append(arg, items...)
	n.t.delta.Record(delta.TagSplice, n.path, arg)
	return removed
}

// Sort orders the sequence with less and records $set of the sorted
// snapshot.
func (n *Node) Sort(less func(a, b any) bool) {
	seq, ok := n.seq()
	if !ok {
		return
	}
	sort.SliceStable(seq, func(i, j int) bool { return less(seq[i], seq[j]) })
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(seq))
}

// Reverse reverses the sequence and records $set of the snapshot.
func (n *Node) Reverse() {
	seq, ok := n.seq()
	if !ok {
		return
	}
	for i, j := 0, len(seq)-1; i < j; i, j = i+1, j-1 {
		seq[i], seq[j] = seq[j], seq[i]
	}
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(seq))
}

// SetAdd inserts into a set value and records $set of the snapshot.
func (n *Node) SetAdd(v any) {
	s, ok := n.Value().(mapset.Set[any])
	if !ok {
		return
	}
	s.Add(v)
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(s))
}

// SetRemove deletes from a set value and records $set of the snapshot.
func (n *Node) SetRemove(v any) {
	s, ok := n.Value().(mapset.Set[any])
	if !ok {
		return
	}
	s.Remove(v)
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(s))
}

// SetClear empties a set value and records $set of the snapshot.
func (n *Node) SetClear() {
	s, ok := n.Value().(mapset.Set[any])
	if !ok {
		return
	}
	s.Clear()
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(s))
}

// MapSet writes a keyed-map entry and records $set of the snapshot.
func (n *Node) MapSet(key, v any) {
	m, ok := n.Value().(map[any]any)
	if !ok {
		return
	}
	m[key] = v
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(m))
}

// MapDelete removes a keyed-map entry and records $set of the
// snapshot.
func (n *Node) MapDelete(key any) {
	m, ok := n.Value().(map[any]any)
	if !ok {
		return
	}
	delete(m, key)
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(m))
}

// MapClear empties a keyed map and records $set of the snapshot.
func (n *Node) MapClear() {
	m, ok := n.Value().(map[any]any)
	if !ok {
		return
	}
	for k := range m {
		delete(m, k)
	}
	n.t.delta.Record(delta.TagSet, n.path, delta.Clone(m))
}

func clampSplice(n, start, deleteCount int) (int, int) {
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
	return start, deleteCount
}

// containerGet reads key from an object, keyed map, or sequence.
func containerGet(container any, key string) (any, bool) {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[key]
		return v, ok
	case map[any]any:
		v, ok := c[key]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	return nil, false
}

// containerSet writes key into an object, keyed map, or sequence
// element. Out-of-range sequence writes are rejected.
func containerSet(container any, key string, v any) bool {
	switch c := container.(type) {
	case map[string]any:
		c[key] = v
		return true
	case map[any]any:
		c[key] = v
		return true
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(c) {
			return false
		}
		c[idx] = v
		return true
	}
	return false
}

// containerDelete removes key from an object or keyed map. Sequence
// elements are cleared to nil.
func containerDelete(container any, key string) bool {
	switch c := container.(type) {
	case map[string]any:
		if _, ok := c[key]; !ok {
			return false
		}
		delete(c, key)
		return true
	case map[any]any:
		if _, ok := c[key]; !ok {
			return false
		}
		delete(c, key)
		return true
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(c) {
			return false
		}
		c[idx] = nil
		return true
	}
	return false
}
