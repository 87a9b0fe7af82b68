package view

import (
	"fmt"

	json "github.com/goccy/go-json"
)

type mutation struct {
	key    string
	value  []byte
	delete bool
}

// Batch stages puts and deletes that become visible together on Commit.
// Reads through the batch observe its own staged mutations. A Batch is not
// safe for concurrent use.
type Batch struct {
	view   *View
	order  []*mutation
	staged map[string]*mutation
	reset  bool
	done   bool
}

// Get returns the staged value for key, falling back to the committed view.
func (b *Batch) Get(key string) ([]byte, bool) {
	if m, ok := b.staged[key]; ok {
		if m.delete {
			return nil, false
		}
		return cloneBytes(m.value), true
	}
	if b.reset {
		return nil, false
	}
	return b.view.Get(key)
}

// GetJSON decodes the value visible to the batch for key into out.
func (b *Batch) GetJSON(key string, out any) (bool, error) {
	raw, ok := b.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("view: decode %q: %w", key, err)
	}
	return true, nil
}

// Put stages value (JSON encoded) under key.
func (b *Batch) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("view: encode %q: %w", key, err)
	}
	b.PutRaw(key, raw)
	return nil
}

// PutRaw stages an already encoded value under key.
func (b *Batch) PutRaw(key string, raw []byte) {
	b.stage(&mutation{key: key, value: cloneBytes(raw)})
}

// Delete stages the removal of key. Deleting a missing key is a no-op.
func (b *Batch) Delete(key string) {
	b.stage(&mutation{key: key, delete: true})
}

func (b *Batch) stage(m *mutation) {
	b.staged[m.key] = m
	b.order = append(b.order, m)
}

// Reset stages the removal of every key, including mutations staged so far.
// Commit then replaces the view contents with the mutations staged after it.
func (b *Batch) Reset() {
	b.reset = true
	b.order = nil
	b.staged = make(map[string]*mutation)
}

// Len returns the number of staged mutations.
func (b *Batch) Len() int {
	return len(b.order)
}

// Commit applies every staged mutation atomically.
func (b *Batch) Commit() error {
	if b.done {
		return ErrBatchDone
	}
	b.done = true
	if len(b.order) == 0 && !b.reset {
		return nil
	}
	b.view.apply(b.order, b.reset)
	return nil
}

// Discard drops the staged mutations.
func (b *Batch) Discard() {
	b.done = true
	b.order = nil
	b.staged = nil
}
