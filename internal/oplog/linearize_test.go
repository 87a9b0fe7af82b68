package oplog

import (
	"context"
	"testing"

	"pkt.systems/licshare/internal/view"
)

// appendValues records every entry value under key "log" as a JSON array so
// tests can observe the order the linearizer applied.
func appendValues(b *view.Batch, entries []Entry) error {
	var values []string
	if _, err := b.GetJSON("log", &values); err != nil {
		return err
	}
	for _, e := range entries {
		values = append(values, string(e.Value))
	}
	return b.Put("log", values)
}

func applied(t *testing.T, v *view.View) []string {
	t.Helper()
	var values []string
	if _, err := v.GetJSON("log", &values); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return values
}

func TestLinearizerNotReady(t *testing.T) {
	log := newTestLog(t)
	z := log.Linearize(view.New(), appendValues)
	if _, err := z.Update(context.Background()); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestLinearizerAppliesIncrementally(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	log.Open()
	v := view.New()
	z := log.Linearize(v, appendValues)
	_, _ = log.Append(ctx, []byte("a"))
	res, err := z.Update(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Applied != 1 || res.Rebased || res.Position.Length != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	_, _ = log.Append(ctx, []byte("b"))
	res, err = z.Update(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("expected only the new entry, got %+v", res)
	}
	if got := applied(t, v); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("applied = %v", got)
	}
	res, err = z.Update(ctx)
	if err != nil || res.Applied != 0 {
		t.Fatalf("expected no-op update, res=%+v err=%v", res, err)
	}
}

func TestLinearizerRebasesOnLateEntry(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	log.Open()
	v := view.New()
	z := log.Linearize(v, appendValues)
	store := log.Store()

	// Local entries land at clocks 1 and 2.
	_, _ = log.Append(ctx, []byte("l1"))
	_, _ = log.Append(ctx, []byte("l2"))
	if _, err := z.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A remote writer appended concurrently at clock 1; "0" sorts below any
	// hex uuid key so it lands first.
	if _, err := store.Ingest("0", []Entry{{Writer: "0", Seq: 0, Clock: 1, Value: []byte("r1")}}, "p"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := log.AddWriter("0"); err != nil {
		t.Fatalf("add writer: %v", err)
	}
	res, err := z.Update(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Rebased {
		t.Fatalf("expected rebase, got %+v", res)
	}
	got := applied(t, v)
	want := []string{"r1", "l1", "l2"}
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied = %v, want %v", got, want)
		}
	}
}

func TestLinearizerRetiredWriterKeepsHistory(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	log.Open()
	v := view.New()
	z := log.Linearize(v, appendValues)
	store := log.Store()
	if err := log.AddWriter("r"); err != nil {
		t.Fatalf("add writer: %v", err)
	}
	_, _ = store.Ingest("r", []Entry{{Writer: "r", Seq: 0, Clock: 1, Value: []byte("r1")}}, "p")
	if err := log.RemoveWriter("r"); err != nil {
		t.Fatalf("remove writer: %v", err)
	}
	_, _ = store.Ingest("r", []Entry{{Writer: "r", Seq: 1, Clock: 2, Value: []byte("r2")}}, "p")
	if _, err := z.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := applied(t, v); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("applied = %v", got)
	}
	if err := log.AddWriter("r"); err != nil {
		t.Fatalf("re-add writer: %v", err)
	}
	if _, err := z.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := applied(t, v); len(got) != 2 || got[1] != "r2" {
		t.Fatalf("applied = %v", got)
	}
}

func TestLinearizerPublishesCheckpoint(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	log.Open()
	z := log.Linearize(view.New(), appendValues)
	_, _ = log.Append(ctx, []byte("a"))
	if _, err := z.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	cp, ok := log.checkpoint(log.ReaderKey())
	if !ok {
		t.Fatal("expected checkpoint on output feed")
	}
	if cp.Length != 1 || cp.Heads[log.WriterKey()] != 1 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
	if _, err := z.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	out, _ := log.Store().Lookup(log.ReaderKey())
	if out.Len() != 1 {
		t.Fatalf("unchanged position must not publish again, output len=%d", out.Len())
	}
}
