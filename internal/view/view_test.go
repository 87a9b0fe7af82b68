package view

import (
	"errors"
	"slices"
	"testing"
)

func collectKeys(v *View, r Range) []string {
	var keys []string
	for key := range v.Scan(r) {
		keys = append(keys, key)
	}
	return keys
}

func TestBatchCommitIsAtomic(t *testing.T) {
	v := New()
	b := v.Batch()
	if err := b.Put("licence@a", map[string]string{"id": "a"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	b.PutRaw("licence@b", []byte(`{"id":"b"}`))
	if v.Len() != 0 {
		t.Fatalf("staged mutations visible before commit: len=%d", v.Len())
	}
	if _, ok := v.Get("licence@a"); ok {
		t.Fatal("staged key visible before commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", v.Len())
	}
	if err := b.Commit(); !errors.Is(err, ErrBatchDone) {
		t.Fatalf("expected ErrBatchDone on second commit, got %v", err)
	}
}

func TestBatchReadsOwnWrites(t *testing.T) {
	v := New()
	seed := v.Batch()
	seed.PutRaw("usage@licence@a", []byte(`{"user":"x"}`))
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	b := v.Batch()
	b.PutRaw("licence@a", []byte(`{"id":"a"}`))
	if _, ok := b.Get("licence@a"); !ok {
		t.Fatal("batch did not observe its own put")
	}
	b.Delete("usage@licence@a")
	if _, ok := b.Get("usage@licence@a"); ok {
		t.Fatal("batch did not observe its own delete")
	}
	if _, ok := v.Get("usage@licence@a"); !ok {
		t.Fatal("committed view changed before commit")
	}
	var doc struct {
		ID string `json:"id"`
	}
	found, err := b.GetJSON("licence@a", &doc)
	if err != nil || !found || doc.ID != "a" {
		t.Fatalf("GetJSON = (%v, %v, %+v)", found, err, doc)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := v.Get("usage@licence@a"); ok {
		t.Fatal("delete not applied")
	}
}

func TestLastMutationInBatchWins(t *testing.T) {
	v := New()
	b := v.Batch()
	b.PutRaw("k", []byte(`1`))
	b.Delete("k")
	b.PutRaw("k", []byte(`2`))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	raw, ok := v.Get("k")
	if !ok || string(raw) != "2" {
		t.Fatalf("expected 2, got %q (found=%v)", raw, ok)
	}
}

func TestScanPrefixOrderAndBounds(t *testing.T) {
	v := New()
	b := v.Batch()
	for _, key := range []string{"usage@licence@b", "licence@c", "licence@a", "licence@", "licence@~x", "licence@été", "licence@b", "licencf", "other"} {
		b.PutRaw(key, []byte(`{}`))
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got := collectKeys(v, Prefix("licence@"))
	want := []string{"licence@a", "licence@b", "licence@c", "licence@~x", "licence@été"}
	if !slices.Equal(got, want) {
		t.Fatalf("scan = %v, want %v", got, want)
	}
	if got := collectKeys(v, Prefix("usage@")); !slices.Equal(got, []string{"usage@licence@b"}) {
		t.Fatalf("usage scan = %v", got)
	}
	if got := collectKeys(v, Range{GT: "licence@a", LT: "licence@c"}); !slices.Equal(got, []string{"licence@b"}) {
		t.Fatalf("bounded scan = %v", got)
	}
	if got := collectKeys(v, Range{}); len(got) != 9 {
		t.Fatalf("unbounded scan returned %d keys", len(got))
	}
}

func TestScanIsRestartableAndAllowsMutation(t *testing.T) {
	v := New()
	b := v.Batch()
	b.PutRaw("licence@a", []byte(`{}`))
	b.PutRaw("licence@b", []byte(`{}`))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	seq := v.Scan(Prefix("licence@"))
	count := 0
	for key := range seq {
		count++
		del := v.Batch()
		del.Delete(key)
		if err := del.Commit(); err != nil {
			t.Fatalf("delete during scan: %v", err)
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 keys from first scan, got %d", count)
	}
	count = 0
	for range seq {
		count++
	}
	if count != 0 {
		t.Fatalf("expected restarted scan to see empty view, got %d", count)
	}
}

func TestResetClearsAndBumpsVersion(t *testing.T) {
	v := New()
	b := v.Batch()
	b.PutRaw("a", []byte(`1`))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	before := v.Version()
	v.Reset()
	if v.Len() != 0 {
		t.Fatalf("expected empty view, got %d", v.Len())
	}
	if v.Version() <= before {
		t.Fatalf("expected version to advance, before=%d after=%d", before, v.Version())
	}
}

func TestBatchResetReplacesContents(t *testing.T) {
	v := New()
	b := v.Batch()
	b.PutRaw("a", []byte(`1`))
	b.PutRaw("b", []byte(`2`))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b = v.Batch()
	b.PutRaw("z", []byte(`9`))
	b.Reset()
	if _, ok := b.Get("a"); ok {
		t.Fatal("reset batch should not see committed keys")
	}
	b.PutRaw("c", []byte(`3`))
	if _, ok := v.Get("a"); !ok {
		t.Fatal("view changed before commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v.Len() != 1 {
		t.Fatalf("expected one key after reset commit, got %d", v.Len())
	}
	if raw, ok := v.Get("c"); !ok || string(raw) != "3" {
		t.Fatalf("unexpected c=%q ok=%v", raw, ok)
	}
}
