package membership

import (
	"context"
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/internal/swarm"
	"pkt.systems/pslog"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []Message
	fail bool
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) Peer() string { return "peer-" + c.id }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Send(ch swarm.Channel, payload []byte) error {
	if c.fail {
		return errors.New("send failed")
	}
	if ch != swarm.ChannelControl {
		return errors.New("wrong channel")
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

type fakeLog struct {
	writers map[string]int
	readers map[string]int
	ops     []string
}

func newFakeLog() *fakeLog {
	return &fakeLog{writers: map[string]int{}, readers: map[string]int{}}
}

func (l *fakeLog) AddWriter(k string) error {
	l.writers[k]++
	l.ops = append(l.ops, "+w:"+k)
	return nil
}

func (l *fakeLog) RemoveWriter(k string) error {
	delete(l.writers, k)
	l.ops = append(l.ops, "-w:"+k)
	return nil
}

func (l *fakeLog) AddReader(k string) error {
	l.readers[k]++
	l.ops = append(l.ops, "+r:"+k)
	return nil
}

func (l *fakeLog) RemoveReader(k string) error {
	delete(l.readers, k)
	l.ops = append(l.ops, "-r:"+k)
	return nil
}

type fakeScheduler struct {
	remote int
	local  int
}

func (s *fakeScheduler) ScheduleUpdate(remote bool) <-chan error {
	if remote {
		s.remote++
	} else {
		s.local++
	}
	done := make(chan error, 1)
	done <- nil
	return done
}

func newTestProtocol(t *testing.T) (*Protocol, *fakeLog, *fakeScheduler) {
	t.Helper()
	log := newFakeLog()
	sched := &fakeScheduler{}
	p, err := New(Config{Writer: "lw", Reader: "lr", Log: log, Scheduler: sched, Logger: pslog.NoopLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p, log, sched
}

func joinPayload(writer, reader string) []byte {
	raw, _ := json.Marshal(Message{Type: TypeJoin, Writer: writer, Reader: reader})
	return raw
}

func TestOpenSendsJoin(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	conn := &fakeConn{id: "c1"}
	p.Handle(swarm.Event{Kind: swarm.EventOpen, Conn: conn})
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0] != (Message{Type: TypeJoin, Writer: "lw", Reader: "lr"}) {
		t.Fatalf("unexpected join %+v", msgs)
	}
	parts := p.Participants()
	if len(parts) != 1 || parts[0].State != Connected {
		t.Fatalf("participants = %+v", parts)
	}
}

func TestJoinRecordsIdentitiesOnce(t *testing.T) {
	p, log, sched := newTestProtocol(t)
	conn := &fakeConn{id: "c1"}
	p.HandleOpen(conn)
	p.HandleMessage(conn, joinPayload("w1", "r1"))
	p.HandleMessage(conn, joinPayload("w2", "r2"))
	if sched.remote != 2 {
		t.Fatalf("expected two remote rebuilds, got %d", sched.remote)
	}
	if _, ok := log.writers["w2"]; ok {
		t.Fatal("second join must not replace the recorded writer")
	}
	if log.writers["w1"] != 2 || log.readers["r1"] != 2 {
		t.Fatalf("expected idempotent re-add of recorded identities, got %v %v", log.writers, log.readers)
	}
	parts := p.Participants()
	if parts[0].Writer != "w1" || parts[0].State != Joined {
		t.Fatalf("participant = %+v", parts[0])
	}

	p.HandleClose(conn, nil)
	p.HandleClose(conn, nil)
	if len(log.writers) != 0 || len(log.readers) != 0 {
		t.Fatalf("expected identities removed, got %v %v", log.writers, log.readers)
	}
	removes := 0
	for _, op := range log.ops {
		if op[0] == '-' {
			removes++
		}
	}
	if removes != 2 {
		t.Fatalf("expected exactly one writer and one reader removal, ops=%v", log.ops)
	}
	if sched.remote != 3 {
		t.Fatalf("expected close to schedule one remote rebuild, got %d", sched.remote)
	}
	if len(p.Participants()) != 0 {
		t.Fatal("participant not dropped")
	}
}

func TestChangedFiresOnJoinAndLeave(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	conn := &fakeConn{id: "c1"}
	changed := p.Changed()
	p.HandleOpen(conn)
	select {
	case <-changed:
		t.Fatal("open alone must not signal a change")
	default:
	}
	p.HandleMessage(conn, joinPayload("w1", "r1"))
	select {
	case <-changed:
	default:
		t.Fatal("join did not signal a change")
	}
	if p.Joined() != 1 {
		t.Fatalf("joined = %d", p.Joined())
	}
	changed = p.Changed()
	p.HandleClose(conn, nil)
	select {
	case <-changed:
	default:
		t.Fatal("leave did not signal a change")
	}
	if p.Joined() != 0 {
		t.Fatalf("joined = %d after close", p.Joined())
	}
}

func TestCloseBeforeJoinDoesNotTouchLog(t *testing.T) {
	p, log, sched := newTestProtocol(t)
	conn := &fakeConn{id: "c1"}
	p.HandleOpen(conn)
	p.HandleClose(conn, errors.New("reset"))
	if len(log.ops) != 0 {
		t.Fatalf("unexpected log ops %v", log.ops)
	}
	if sched.remote != 1 {
		t.Fatalf("expected remote rebuild on close, got %d", sched.remote)
	}
}

func TestSharedIdentitySurvivesDuplicateConnectionClose(t *testing.T) {
	p, log, _ := newTestProtocol(t)
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	p.HandleOpen(a)
	p.HandleOpen(b)
	p.HandleMessage(a, joinPayload("w", "r"))
	p.HandleMessage(b, joinPayload("w", "r"))
	p.HandleClose(a, nil)
	if _, ok := log.writers["w"]; !ok {
		t.Fatal("writer removed while another connection still carries it")
	}
	p.HandleClose(b, nil)
	if _, ok := log.writers["w"]; ok {
		t.Fatal("writer not removed after last connection closed")
	}
}

func TestRebaseAndUnknownMessages(t *testing.T) {
	p, log, sched := newTestProtocol(t)
	conn := &fakeConn{id: "c1"}
	p.HandleOpen(conn)
	p.HandleMessage(conn, []byte(`{"type":"rebase"}`))
	p.HandleMessage(conn, []byte(`{"type":"gossip"}`))
	p.HandleMessage(conn, []byte(`garbage`))
	p.HandleMessage(conn, []byte(`{"type":"join","writer":"only"}`))
	if sched.remote != 1 {
		t.Fatalf("expected only rebase to schedule, got %d", sched.remote)
	}
	if len(log.ops) != 0 {
		t.Fatalf("unexpected log ops %v", log.ops)
	}
}

func TestReplicationFramesAreIgnored(t *testing.T) {
	p, _, sched := newTestProtocol(t)
	conn := &fakeConn{id: "c1"}
	p.Handle(swarm.Event{Kind: swarm.EventData, Conn: conn, Channel: swarm.ChannelReplication, Payload: []byte(`{"type":"rebase"}`)})
	if sched.remote != 0 {
		t.Fatal("replication frame handled as control")
	}
}

func TestBroadcastReachesJoinedParticipantsOnly(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	joined := &fakeConn{id: "a"}
	pending := &fakeConn{id: "b"}
	broken := &fakeConn{id: "c"}
	for _, c := range []*fakeConn{joined, pending, broken} {
		p.HandleOpen(c)
	}
	p.HandleMessage(joined, joinPayload("w1", "r1"))
	p.HandleMessage(broken, joinPayload("w3", "r3"))
	broken.fail = true
	p.Broadcast(context.Background())
	last := joined.messages()
	if len(last) != 2 || last[1].Type != TypeRebase {
		t.Fatalf("joined participant messages = %+v", last)
	}
	if len(pending.messages()) != 1 {
		t.Fatalf("pending participant should only have the join, got %+v", pending.messages())
	}
}
