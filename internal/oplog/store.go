package oplog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/licshare/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	feedsDirName  = "feeds"
	keysFileName  = "keys.json"
	lockFileName  = "LOCK"
	feedExtension = ".jsonl"
	maxRecordSize = 16 << 20
)

// Listener observes entries added to any feed. origin is the peer id the
// entries were ingested from, or empty for local appends.
type Listener func(key string, entries []Entry, origin string)

// Store holds every feed known to this process, local and replicated. When
// opened with a directory the feeds are persisted as one JSON-lines file
// each and the directory is locked against concurrent processes.
type Store struct {
	dir    string
	logger pslog.Logger

	mu        sync.RWMutex
	feeds     map[string]*Feed
	names     map[string]string
	maxClock  uint64
	listeners map[int]Listener
	nextSub   int
	lock      *os.File
	closed    bool
}

// OpenStore opens a store rooted at dir. An empty dir keeps everything in
// memory.
func OpenStore(dir string, logger pslog.Logger) (*Store, error) {
	s := &Store{
		dir:       dir,
		logger:    svcfields.WithSubsystem(logger, "oplog.store"),
		feeds:     make(map[string]*Feed),
		names:     make(map[string]string),
		listeners: make(map[int]Listener),
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Join(dir, feedsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("oplog: prepare store dir %q: %w", dir, err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("oplog: open lock file: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		return nil, fmt.Errorf("oplog: store %q is in use by another process: %w", dir, err)
	}
	s.lock = lock
	if err := s.load(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the persistence directory (empty for memory stores).
func (s *Store) Dir() string {
	return s.dir
}

// Local returns the writable feed registered under name, creating it with a
// fresh key the first time.
func (s *Store) Local(name string) (*Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if key, ok := s.names[name]; ok {
		return s.feeds[key], nil
	}
	key := uuidv7.NewKey()
	feed := &Feed{key: key, writable: true}
	if err := s.openFeedFileLocked(feed); err != nil {
		return nil, err
	}
	s.feeds[key] = feed
	s.names[name] = key
	if err := s.saveKeysLocked(); err != nil {
		return nil, err
	}
	s.logger.Debug("oplog.feed.created", "name", name, "key", key)
	return feed, nil
}

// Get returns the feed for key, creating an empty read-only replica when the
// key is unknown.
func (s *Store) Get(key string) (*Feed, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return nil, errors.New("oplog: feed key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if feed, ok := s.feeds[key]; ok {
		return feed, nil
	}
	feed := &Feed{key: key}
	if err := s.openFeedFileLocked(feed); err != nil {
		return nil, err
	}
	s.feeds[key] = feed
	return feed, nil
}

// Lookup returns the feed for key without creating it.
func (s *Store) Lookup(key string) (*Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[key]
	return feed, ok
}

// Lengths reports the length of every known feed.
func (s *Store) Lengths() map[string]uint64 {
	s.mu.RLock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed)
	}
	s.mu.RUnlock()
	out := make(map[string]uint64, len(feeds))
	for _, feed := range feeds {
		out[feed.key] = feed.Len()
	}
	return out
}

// Keys returns every known feed key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.feeds))
	for key := range s.feeds {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// MaxClock returns the highest Lamport clock seen in any feed.
func (s *Store) MaxClock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxClock
}

// Subscribe registers fn for every future append and ingest. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Append stamps value with the next Lamport clock and appends it to feed.
func (s *Store) Append(feed *Feed, value []byte) (Entry, error) {
	if feed == nil || !feed.writable {
		return Entry{}, ErrReadOnly
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Entry{}, ErrClosed
	}
	feed.mu.Lock()
	clock := s.maxClock
	if n := len(feed.entries); n > 0 && feed.entries[n-1].Clock > clock {
		clock = feed.entries[n-1].Clock
	}
	entry := Entry{
		Writer: feed.key,
		Seq:    uint64(len(feed.entries)),
		Clock:  clock + 1,
		Value:  append([]byte(nil), value...),
	}
	if err := writeEntries(feed.file, []Entry{entry}); err != nil {
		feed.mu.Unlock()
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("oplog: persist append: %w", err)
	}
	feed.entries = append(feed.entries, entry)
	feed.mu.Unlock()
	s.maxClock = entry.Clock
	listeners := s.listenersLocked()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(feed.key, []Entry{entry}, "")
	}
	return entry, nil
}

// Ingest adds replicated entries to the read-only feed key. Entries already
// present are skipped. It returns the number of new entries and ErrGap when
// the batch starts beyond the current feed length.
func (s *Store) Ingest(key string, entries []Entry, origin string) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	feed, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if feed.writable {
		return 0, nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	feed.mu.Lock()
	next := uint64(len(feed.entries))
	var accepted []Entry
	var gap bool
	for _, entry := range entries {
		if entry.Writer != feed.key {
			continue
		}
		if entry.Seq < next {
			continue
		}
		if entry.Seq > next {
			gap = true
			break
		}
		accepted = append(accepted, entry)
		next++
	}
	if len(accepted) > 0 {
		if err := writeEntries(feed.file, accepted); err != nil {
			feed.mu.Unlock()
			s.mu.Unlock()
			return 0, fmt.Errorf("oplog: persist ingest: %w", err)
		}
		feed.entries = append(feed.entries, accepted...)
		for _, entry := range accepted {
			if entry.Clock > s.maxClock {
				s.maxClock = entry.Clock
			}
		}
	}
	feed.mu.Unlock()
	listeners := s.listenersLocked()
	s.mu.Unlock()
	if len(accepted) > 0 {
		for _, fn := range listeners {
			fn(key, accepted, origin)
		}
	}
	if gap {
		return len(accepted), ErrGap
	}
	return len(accepted), nil
}

func (s *Store) listenersLocked() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

// Close flushes and closes feed files and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed)
	}
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()
	var errs []error
	for _, feed := range feeds {
		if err := feed.closeFile(); err != nil {
			errs = append(errs, err)
		}
	}
	if lock != nil {
		_ = unlockFile(lock)
		if err := lock.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) feedPath(key string) string {
	return filepath.Join(s.dir, feedsDirName, key+feedExtension)
}

func (s *Store) openFeedFileLocked(feed *Feed) error {
	if s.dir == "" {
		return nil
	}
	f, err := os.OpenFile(s.feedPath(feed.key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("oplog: open feed %s: %w", shortKey(feed.key), err)
	}
	feed.file = f
	return nil
}

func (s *Store) saveKeysLocked() error {
	if s.dir == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.names, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, keysFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("oplog: write keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("oplog: write keys: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, keysFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.names); err != nil {
			return fmt.Errorf("oplog: decode keys: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("oplog: read keys: %w", err)
	}
	local := make(map[string]bool, len(s.names))
	for _, key := range s.names {
		local[key] = true
	}
	dirEntries, err := os.ReadDir(filepath.Join(s.dir, feedsDirName))
	if err != nil {
		return fmt.Errorf("oplog: list feeds: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, feedExtension) {
			continue
		}
		key := strings.TrimSuffix(name, feedExtension)
		entries, err := readEntries(s.feedPath(key), key)
		if err != nil {
			return err
		}
		feed := &Feed{key: key, writable: local[key], entries: entries}
		if err := s.openFeedFileLocked(feed); err != nil {
			return err
		}
		s.feeds[key] = feed
		for _, entry := range entries {
			if entry.Clock > s.maxClock {
				s.maxClock = entry.Clock
			}
		}
	}
	for name, key := range s.names {
		if _, ok := s.feeds[key]; ok {
			continue
		}
		feed := &Feed{key: key, writable: true}
		if err := s.openFeedFileLocked(feed); err != nil {
			return err
		}
		s.feeds[key] = feed
		s.logger.Debug("oplog.feed.recreated", "name", name, "key", key)
	}
	s.logger.Debug("oplog.store.loaded", "dir", s.dir, "feeds", len(s.feeds), "max_clock", s.maxClock)
	return nil
}

func readEntries(path, key string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("oplog: open feed %s: %w", shortKey(key), err)
	}
	defer f.Close()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final record from a crash ends the feed.
			break
		}
		if entry.Writer != key || entry.Seq != uint64(len(entries)) {
			break
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("oplog: read feed %s: %w", shortKey(key), err)
	}
	return entries, nil
}

func writeEntries(f *os.File, entries []Entry) error {
	if f == nil {
		return nil
	}
	var buf []byte
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}
