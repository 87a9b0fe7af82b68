package oplog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	writerFeedName = "writer"
	outputFeedName = "view"
)

// Checkpoint is published on a reader's output feed after every update that
// moved its merged position. Peers use the heads to tell whether they have
// replicated everything that reader has already linearized.
type Checkpoint struct {
	Length uint64            `json:"length"`
	Heads  map[string]uint64 `json:"heads"`
}

// Log is the multi-writer log. It owns the local writer feed and the local
// output feed and tracks which feeds currently contribute to the merged
// order (writers) and which publish checkpoints (readers).
type Log struct {
	store  *Store
	logger pslog.Logger
	local  *Feed
	output *Feed

	mu      sync.RWMutex
	writers map[string]struct{}
	retired map[string]uint64
	readers map[string]struct{}
	ready   bool
	readyCh chan struct{}
}

// NewLog prepares the local writer and output feeds inside store. The log is
// not ready until Open is called.
func NewLog(store *Store, logger pslog.Logger) (*Log, error) {
	if store == nil {
		return nil, errors.New("oplog: store required")
	}
	local, err := store.Local(writerFeedName)
	if err != nil {
		return nil, fmt.Errorf("oplog: writer feed: %w", err)
	}
	output, err := store.Local(outputFeedName)
	if err != nil {
		return nil, fmt.Errorf("oplog: output feed: %w", err)
	}
	return &Log{
		store:   store,
		logger:  svcfields.WithSubsystem(logger, "oplog.log"),
		local:   local,
		output:  output,
		writers: map[string]struct{}{local.Key(): {}},
		retired: make(map[string]uint64),
		readers: map[string]struct{}{output.Key(): {}},
		readyCh: make(chan struct{}),
	}, nil
}

// Store returns the feed store backing the log.
func (l *Log) Store() *Store {
	return l.store
}

// WriterKey is the key of the local writer feed.
func (l *Log) WriterKey() string {
	return l.local.Key()
}

// ReaderKey is the key of the local output feed.
func (l *Log) ReaderKey() string {
	return l.output.Key()
}

// Open marks the log ready. Seed writers and readers should be added first.
func (l *Log) Open() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return
	}
	l.ready = true
	close(l.readyCh)
	l.logger.Debug("oplog.log.ready", "writer", l.local.Key(), "reader", l.output.Key(), "writers", len(l.writers), "readers", len(l.readers))
}

// Ready reports whether Open has been called.
func (l *Log) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// WaitReady blocks until the log is ready or ctx is done.
func (l *Log) WaitReady(ctx context.Context) error {
	select {
	case <-l.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append adds value to the local writer feed.
func (l *Log) Append(ctx context.Context, value []byte) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if !l.Ready() {
		return Entry{}, ErrNotReady
	}
	return l.store.Append(l.local, value)
}

// AddWriter makes key contribute to the merged order. Adding a known writer
// is a no-op; adding a retired writer reactivates its whole feed.
func (l *Log) AddWriter(key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if _, err := l.store.Get(key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.writers[key]; ok {
		return nil
	}
	delete(l.retired, key)
	l.writers[key] = struct{}{}
	l.logger.Debug("oplog.writer.added", "writer", key)
	return nil
}

// RemoveWriter retires key: entries it had published so far stay in the
// merged order, later ones are ignored until it is added again. The local
// writer cannot be removed. Removing an unknown writer is a no-op.
func (l *Log) RemoveWriter(key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if key == l.local.Key() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.writers[key]; !ok {
		return nil
	}
	delete(l.writers, key)
	var length uint64
	if feed, ok := l.store.Lookup(key); ok {
		length = feed.Len()
	}
	l.retired[key] = length
	l.logger.Debug("oplog.writer.retired", "writer", key, "length", length)
	return nil
}

// AddReader registers key as a checkpoint publisher.
func (l *Log) AddReader(key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if _, err := l.store.Get(key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.readers[key]; ok {
		return nil
	}
	l.readers[key] = struct{}{}
	l.logger.Debug("oplog.reader.added", "reader", key)
	return nil
}

// RemoveReader unregisters key. The local reader cannot be removed.
func (l *Log) RemoveReader(key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if key == l.output.Key() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.readers[key]; ok {
		delete(l.readers, key)
		l.logger.Debug("oplog.reader.removed", "reader", key)
	}
	return nil
}

// IsWriter reports whether key currently contributes new entries.
func (l *Log) IsWriter(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.writers[key]
	return ok
}

// Writers returns the active writer keys in sorted order.
func (l *Log) Writers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.writers)
}

// Readers returns the reader keys in sorted order.
func (l *Log) Readers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.readers)
}

// Lag reports, per feed, how many entries other readers have linearized that
// are not yet replicated locally. An empty result means the local store
// covers every published checkpoint.
func (l *Log) Lag() map[string]uint64 {
	readers := l.Readers()
	lag := make(map[string]uint64)
	for _, key := range readers {
		if key == l.output.Key() {
			continue
		}
		cp, ok := l.checkpoint(key)
		if !ok {
			continue
		}
		for writer, want := range cp.Heads {
			var have uint64
			if feed, ok := l.store.Lookup(writer); ok {
				have = feed.Len()
			}
			if want > have && want-have > lag[writer] {
				lag[writer] = want - have
			}
		}
	}
	return lag
}

func (l *Log) checkpoint(readerKey string) (Checkpoint, bool) {
	feed, ok := l.store.Lookup(readerKey)
	if !ok {
		return Checkpoint{}, false
	}
	head, ok := feed.Head()
	if !ok {
		return Checkpoint{}, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(head.Value, &cp); err != nil {
		l.logger.Debug("oplog.checkpoint.decode_failed", "reader", readerKey, "error", err)
		return Checkpoint{}, false
	}
	return cp, true
}

func (l *Log) publishCheckpoint(cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = l.store.Append(l.output, raw)
	return err
}

// sources returns, for every feed that contributes to the merged order, the
// number of its entries to include.
func (l *Log) sources() map[string]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]uint64, len(l.writers)+len(l.retired))
	for key := range l.writers {
		if feed, ok := l.store.Lookup(key); ok {
			out[key] = feed.Len()
		}
	}
	for key, frozen := range l.retired {
		if feed, ok := l.store.Lookup(key); ok {
			out[key] = min(frozen, feed.Len())
		}
	}
	return out
}

func normalizeKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", errors.New("oplog: feed key required")
	}
	return key, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
