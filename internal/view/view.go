// Package view implements the ordered key/value projection the reducer
// writes into. Keys are strings ordered lexicographically, values are JSON
// documents. Mutations only happen through atomic batches.
package view

import (
	"errors"
	"iter"
	"strings"
	"sync"

	rb "github.com/glycerine/rbtree"
	json "github.com/goccy/go-json"
)

// ErrBatchDone is returned when a batch is committed or discarded twice.
var ErrBatchDone = errors.New("view: batch already committed or discarded")

// View is an in-memory ordered projection. It is safe for concurrent use.
type View struct {
	mu      sync.RWMutex
	tree    *rb.Tree
	version uint64
}

type item struct {
	key   string
	value []byte
}

// Range bounds a scan. GT and LT are exclusive; empty bounds are open. A
// non-empty Prefix additionally ends the scan at the first key without it.
type Range struct {
	GT     string
	LT     string
	Prefix string
}

// Prefix returns the range covering every key that starts with prefix and is
// longer than it, whatever bytes follow.
func Prefix(prefix string) Range {
	return Range{GT: prefix, Prefix: prefix}
}

// New returns an empty view.
func New() *View {
	return &View{tree: newTree()}
}

func newTree() *rb.Tree {
	return rb.NewTree(func(a, b rb.Item) int {
		return strings.Compare(a.(*item).key, b.(*item).key)
	})
}

// Get returns a copy of the value stored for key.
func (v *View) Get(key string) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	it, ok := v.tree.FindGE_isEqual(&item{key: key})
	if !ok {
		return nil, false
	}
	return cloneBytes(it.Item().(*item).value), true
}

// GetJSON decodes the value stored for key into out.
func (v *View) GetJSON(key string, out any) (bool, error) {
	raw, ok := v.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Len returns the number of keys in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tree.Len()
}

// Version increments on every committed batch and reset.
func (v *View) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Reset drops every key. The linearizer uses it when the merged order of the
// log changes below the already applied position.
func (v *View) Reset() {
	v.mu.Lock()
	v.tree.DeleteAll()
	v.version++
	v.mu.Unlock()
}

// Scan yields the keys inside r in ascending order. The range is captured
// when iteration starts, so each iteration is a fresh, finite scan and the
// caller may read or mutate the view while iterating.
func (v *View) Scan(r Range) iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		for _, kv := range v.snapshot(r) {
			if !yield(kv.key, kv.value) {
				return
			}
		}
	}
}

func (v *View) snapshot(r Range) []item {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var it rb.Iterator
	if r.GT == "" {
		it = v.tree.Min()
	} else {
		it = v.tree.FindGE(&item{key: r.GT})
	}
	var out []item
	for ; !it.Limit(); it = it.Next() {
		kv := it.Item().(*item)
		if r.GT != "" && kv.key <= r.GT {
			continue
		}
		if r.LT != "" && kv.key >= r.LT {
			break
		}
		if r.Prefix != "" && !strings.HasPrefix(kv.key, r.Prefix) {
			break
		}
		out = append(out, item{key: kv.key, value: cloneBytes(kv.value)})
	}
	return out
}

// Batch starts a new atomic batch against the view.
func (v *View) Batch() *Batch {
	return &Batch{view: v, staged: make(map[string]*mutation)}
}

func (v *View) apply(muts []*mutation, reset bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reset {
		v.tree.DeleteAll()
	}
	for _, m := range muts {
		query := &item{key: m.key}
		it, found := v.tree.FindGE_isEqual(query)
		if m.delete {
			if found {
				v.tree.DeleteWithIterator(it)
			}
			continue
		}
		if found {
			it.Item().(*item).value = m.value
			continue
		}
		v.tree.Insert(&item{key: m.key, value: m.value})
	}
	v.version++
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
