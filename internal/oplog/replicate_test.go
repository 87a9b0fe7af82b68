package oplog

import (
	"context"
	"sync"
	"testing"

	"pkt.systems/pslog"
)

// loopPeer delivers payloads straight into the remote replicator.
type loopPeer struct {
	id     string
	remote *Replicator
	back   func() Peer
}

func (p *loopPeer) ID() string { return p.id }

func (p *loopPeer) Send(payload []byte) error {
	return p.remote.Handle(p.back(), payload)
}

func connect(a, b *Replicator) {
	var toA, toB *loopPeer
	toB = &loopPeer{id: "b", remote: b, back: func() Peer { return toA }}
	toA = &loopPeer{id: "a", remote: a, back: func() Peer { return toB }}
	a.AddPeer(toB)
	b.AddPeer(toA)
}

func TestReplicatorCatchUpAndPush(t *testing.T) {
	ctx := context.Background()
	logA := newTestLog(t)
	logB := newTestLog(t)
	logA.Open()
	logB.Open()
	for _, v := range []string{"1", "2", "3"} {
		if _, err := logA.Append(ctx, []byte(v)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var mu sync.Mutex
	ingested := map[string]int{}
	repA := NewReplicator(logA.Store(), pslog.NoopLogger(), nil)
	repB := NewReplicator(logB.Store(), pslog.NoopLogger(), func(key string, added int, origin string) {
		mu.Lock()
		ingested[key] += added
		mu.Unlock()
		if origin != "a" {
			t.Errorf("unexpected origin %q", origin)
		}
	})
	defer repA.Close()
	defer repB.Close()
	repA.chunk = 2
	connect(repA, repB)

	feed, ok := logB.Store().Lookup(logA.WriterKey())
	if !ok || feed.Len() != 3 {
		t.Fatalf("expected catch-up of 3 entries, ok=%v", ok)
	}
	if _, err := logA.Append(ctx, []byte("4")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if feed.Len() != 4 {
		t.Fatalf("expected pushed entry, len=%d", feed.Len())
	}
	if _, err := logB.Append(ctx, []byte("b1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	back, ok := logA.Store().Lookup(logB.WriterKey())
	if !ok || back.Len() != 1 {
		t.Fatalf("expected B's entry on A, ok=%v", ok)
	}
	mu.Lock()
	defer mu.Unlock()
	if ingested[logA.WriterKey()] != 4 {
		t.Fatalf("ingest callback counts = %v", ingested)
	}
}

func TestReplicatorRelaysBetweenPeers(t *testing.T) {
	ctx := context.Background()
	logs := []*Log{newTestLog(t), newTestLog(t), newTestLog(t)}
	reps := make([]*Replicator, len(logs))
	for i, l := range logs {
		l.Open()
		reps[i] = NewReplicator(l.Store(), pslog.NoopLogger(), nil)
		defer reps[i].Close()
	}
	// a <-> b <-> c, no direct a <-> c link.
	var ab, ba, bc, cb *loopPeer
	ab = &loopPeer{id: "b", remote: reps[1], back: func() Peer { return ba }}
	ba = &loopPeer{id: "a", remote: reps[0], back: func() Peer { return ab }}
	bc = &loopPeer{id: "c", remote: reps[2], back: func() Peer { return cb }}
	cb = &loopPeer{id: "b", remote: reps[1], back: func() Peer { return bc }}
	reps[0].AddPeer(ab)
	reps[1].AddPeer(ba)
	reps[1].AddPeer(bc)
	reps[2].AddPeer(cb)

	if _, err := logs[0].Append(ctx, []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	feed, ok := logs[2].Store().Lookup(logs[0].WriterKey())
	if !ok || feed.Len() != 1 {
		t.Fatalf("expected relayed entry on c, ok=%v", ok)
	}
}

func TestReplicatorIgnoresUnknownMessages(t *testing.T) {
	rep := NewReplicator(newMemoryStore(t), pslog.NoopLogger(), nil)
	defer rep.Close()
	p := &loopPeer{id: "x"}
	if err := rep.Handle(p, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("unknown type should be ignored: %v", err)
	}
	if err := rep.Handle(p, []byte(`nope`)); err == nil {
		t.Fatal("expected decode error")
	}
}
