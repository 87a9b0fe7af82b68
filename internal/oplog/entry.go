// Package oplog is the append-only multi-writer log the licence layer is
// built on. Every participant owns one writable feed; feeds are replicated
// verbatim between peers and merged into a single deterministic order.
//
// Entries carry a Lamport clock stamped at append time: one more than the
// highest clock the appending store has seen. Sorting by (clock, writer,
// seq) therefore keeps each writer's entries in append order, places an
// entry after everything its writer had observed, and yields the same total
// order on every peer holding the same feeds.
package oplog

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed store or log.
	ErrClosed = errors.New("oplog: closed")
	// ErrNotReady is returned when the log has not been opened yet.
	ErrNotReady = errors.New("oplog: not ready")
	// ErrReadOnly is returned when appending to a feed owned by another peer.
	ErrReadOnly = errors.New("oplog: feed is read-only")
	// ErrGap is returned by Ingest when entries do not continue the feed.
	ErrGap = errors.New("oplog: entries do not continue feed")
)

// Entry is one immutable record of a feed.
type Entry struct {
	Writer string `json:"writer"`
	Seq    uint64 `json:"seq"`
	Clock  uint64 `json:"clock"`
	Value  []byte `json:"value"`
}

// ID identifies an entry across all feeds.
type ID struct {
	Writer string
	Seq    uint64
}

// ID returns the identity of the entry.
func (e Entry) ID() ID {
	return ID{Writer: e.Writer, Seq: e.Seq}
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", shortKey(id.Writer), id.Seq)
}

// Less reports whether a sorts before b in the merged order.
func Less(a, b Entry) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	if a.Writer != b.Writer {
		return a.Writer < b.Writer
	}
	return a.Seq < b.Seq
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
