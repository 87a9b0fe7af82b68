package oplog

import (
	"errors"
	"testing"

	"pkt.systems/pslog"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore("", pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAppendStampsLamportClock(t *testing.T) {
	store := newMemoryStore(t)
	feed, err := store.Local("writer")
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	first, err := store.Append(feed, []byte("a"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 0 || first.Clock != 1 {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if _, err := store.Ingest("remote", []Entry{{Writer: "remote", Seq: 0, Clock: 7, Value: []byte("r")}}, "peer"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	second, err := store.Append(feed, []byte("b"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Seq != 1 || second.Clock != 8 {
		t.Fatalf("expected clock to follow observed max, got %+v", second)
	}
	if store.MaxClock() != 8 {
		t.Fatalf("max clock = %d", store.MaxClock())
	}
}

func TestStoreLocalIsStable(t *testing.T) {
	store := newMemoryStore(t)
	a, _ := store.Local("writer")
	b, _ := store.Local("writer")
	c, _ := store.Local("view")
	if a != b {
		t.Fatal("expected same feed for the same name")
	}
	if a.Key() == c.Key() {
		t.Fatal("expected distinct keys for distinct names")
	}
	if len(a.Key()) != 32 {
		t.Fatalf("unexpected key %q", a.Key())
	}
}

func TestStoreIngestSkipsDuplicatesAndReportsGaps(t *testing.T) {
	store := newMemoryStore(t)
	entries := []Entry{
		{Writer: "w", Seq: 0, Clock: 1},
		{Writer: "w", Seq: 1, Clock: 2},
	}
	added, err := store.Ingest("w", entries, "p")
	if err != nil || added != 2 {
		t.Fatalf("ingest: added=%d err=%v", added, err)
	}
	added, err = store.Ingest("w", entries, "p")
	if err != nil || added != 0 {
		t.Fatalf("re-ingest: added=%d err=%v", added, err)
	}
	added, err = store.Ingest("w", []Entry{{Writer: "w", Seq: 5, Clock: 9}}, "p")
	if !errors.Is(err, ErrGap) || added != 0 {
		t.Fatalf("expected gap, added=%d err=%v", added, err)
	}
	feed, _ := store.Lookup("w")
	if feed.Len() != 2 {
		t.Fatalf("feed length = %d", feed.Len())
	}
}

func TestStoreRejectsAppendToReplica(t *testing.T) {
	store := newMemoryStore(t)
	feed, err := store.Get("abcdef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.Append(feed, []byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestStoreSubscribeSeesAppendsWithOrigin(t *testing.T) {
	store := newMemoryStore(t)
	type event struct {
		key    string
		count  int
		origin string
	}
	var events []event
	cancel := store.Subscribe(func(key string, entries []Entry, origin string) {
		events = append(events, event{key, len(entries), origin})
	})
	feed, _ := store.Local("writer")
	_, _ = store.Append(feed, []byte("x"))
	_, _ = store.Ingest("r", []Entry{{Writer: "r", Seq: 0, Clock: 3}}, "peer-1")
	cancel()
	_, _ = store.Append(feed, []byte("y"))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].origin != "" || events[1].origin != "peer-1" || events[1].key != "r" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestStorePersistsFeedsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	feed, _ := store.Local("writer")
	for _, v := range []string{"a", "b", "c"} {
		if _, err := store.Append(feed, []byte(v)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.Ingest("remote", []Entry{{Writer: "remote", Seq: 0, Clock: 10, Value: []byte("r")}}, "p"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	key := feed.Key()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(dir, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	again, _ := reopened.Local("writer")
	if again.Key() != key || !again.Writable() {
		t.Fatalf("expected writable feed %s, got %s (writable=%v)", key, again.Key(), again.Writable())
	}
	if again.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", again.Len())
	}
	if e, _ := again.Get(2); string(e.Value) != "c" {
		t.Fatalf("unexpected entry %+v", e)
	}
	remote, ok := reopened.Lookup("remote")
	if !ok || remote.Writable() || remote.Len() != 1 {
		t.Fatalf("remote feed not restored: ok=%v", ok)
	}
	if reopened.MaxClock() != 10 {
		t.Fatalf("max clock = %d", reopened.MaxClock())
	}
}

func TestStoreClosedRejectsWrites(t *testing.T) {
	store, err := OpenStore("", pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	feed, _ := store.Local("writer")
	_ = store.Close()
	if _, err := store.Append(feed, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
