package oplog

import (
	"os"
	"sync"
)

// Feed is a single-writer append-only sequence of entries. Local feeds are
// writable; feeds learned from peers are read-only replicas.
type Feed struct {
	key      string
	writable bool

	mu      sync.RWMutex
	entries []Entry
	file    *os.File
}

// Key returns the feed key (the writer identity).
func (f *Feed) Key() string {
	return f.key
}

// Writable reports whether this store owns the feed.
func (f *Feed) Writable() bool {
	return f.writable
}

// Len returns the number of entries in the feed.
func (f *Feed) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.entries))
}

// Get returns the entry at seq.
func (f *Feed) Get(seq uint64) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if seq >= uint64(len(f.entries)) {
		return Entry{}, false
	}
	return f.entries[seq], true
}

// Head returns the last entry of the feed.
func (f *Feed) Head() (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.entries) == 0 {
		return Entry{}, false
	}
	return f.entries[len(f.entries)-1], true
}

// Range returns a copy of entries in [from, to). to is clamped to Len.
func (f *Feed) Range(from, to uint64) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := uint64(len(f.entries))
	if to > n {
		to = n
	}
	if from >= to {
		return nil
	}
	out := make([]Entry, to-from)
	copy(out, f.entries[from:to])
	return out
}

func (f *Feed) closeFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
