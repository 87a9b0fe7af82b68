package coord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/licshare/internal/oplog"
	"pkt.systems/pslog"
)

type fakeLog struct{ ready atomic.Bool }

func (l *fakeLog) Ready() bool { return l.ready.Load() }

type fakeLinearizer struct {
	calls atomic.Int64
	err   error
}

func (z *fakeLinearizer) Update(context.Context) (oplog.UpdateResult, error) {
	n := z.calls.Add(1)
	if z.err != nil {
		return oplog.UpdateResult{}, z.err
	}
	return oplog.UpdateResult{Position: oplog.Position{Length: uint64(n)}}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestCoordinator(t *testing.T, rec *recorder) (*Coordinator, *fakeLog, *fakeLinearizer) {
	t.Helper()
	log := &fakeLog{}
	log.ready.Store(true)
	lin := &fakeLinearizer{}
	c, err := New(Config{
		Log:        log,
		Linearizer: lin,
		Flush: func(context.Context) error {
			rec.add("flush")
			return nil
		},
		Dump: func(_ context.Context, r Result) {
			rec.add("dump:" + triggerLabel(r.Remote))
		},
		AfterUpdate: []func(context.Context, Result){
			func(_ context.Context, r Result) { rec.add("after:" + triggerLabel(r.Remote)) },
		},
		Broadcast: func(context.Context) { rec.add("broadcast") },
		Logger:    pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, log, lin
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRemoteUpdateBeforeLocalIsNoop(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c, _, lin := newTestCoordinator(t, rec)
	if err := c.Update(ctx, true); err != nil {
		t.Fatalf("remote update: %v", err)
	}
	if lin.calls.Load() != 0 || len(rec.list()) != 0 {
		t.Fatalf("expected no work, calls=%d events=%v", lin.calls.Load(), rec.list())
	}
	if err := c.Update(ctx, false); err != nil {
		t.Fatalf("local update: %v", err)
	}
	if !c.Ready() {
		t.Fatal("expected ready after local update")
	}
	if err := c.Update(ctx, true); err != nil {
		t.Fatalf("remote update: %v", err)
	}
	want := []string{
		"flush", "dump:local", "after:local", "broadcast",
		"flush", "dump:remote", "after:remote",
	}
	if got := rec.list(); !equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestUpdateSkipsWhenLogNotReady(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c, log, lin := newTestCoordinator(t, rec)
	log.ready.Store(false)
	if err := c.Update(ctx, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if lin.calls.Load() != 0 || c.Ready() {
		t.Fatalf("expected skipped rebuild, calls=%d", lin.calls.Load())
	}
	if got := rec.list(); !equal(got, []string{"flush"}) {
		t.Fatalf("events = %v", got)
	}
}

func TestUpdateErrorIsReturnedWithoutSideEffects(t *testing.T) {
	rec := &recorder{}
	c, _, lin := newTestCoordinator(t, rec)
	boom := errors.New("boom")
	lin.err = boom
	if err := c.Update(context.Background(), false); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := rec.list(); !equal(got, []string{"flush"}) {
		t.Fatalf("events = %v", got)
	}
}

func TestTasksRunInOrderWithoutOverlap(t *testing.T) {
	rec := &recorder{}
	c, _, _ := newTestCoordinator(t, rec)
	var running atomic.Int32
	var overlap atomic.Bool
	var order []int
	var mu sync.Mutex
	var dones []<-chan error
	for i := range 50 {
		dones = append(dones, c.queue.Enqueue("task", func(context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}))
	}
	for _, done := range dones {
		if err := <-done; err != nil {
			t.Fatalf("task: %v", err)
		}
	}
	if overlap.Load() {
		t.Fatal("tasks overlapped")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks out of order: %v", order)
		}
	}
}

func TestDoInterleavesWithUpdatesInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c, _, _ := newTestCoordinator(t, rec)
	first := c.ScheduleUpdate(false)
	if err := c.Do(ctx, "mark", func(context.Context) error {
		rec.add("task")
		return nil
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("update: %v", err)
	}
	got := rec.list()
	if got[len(got)-1] != "task" || got[len(got)-2] != "broadcast" {
		t.Fatalf("task did not run after the queued rebuild: %v", got)
	}
}

func TestDoReturnsTaskErrorAndRecoversPanics(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t, &recorder{})
	boom := errors.New("boom")
	if err := c.Do(ctx, "fail", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := c.Do(ctx, "panic", func(context.Context) error { panic("bad") }); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := c.Do(ctx, "after", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("queue should survive a panicking task: %v", err)
	}
}

func TestStopFailsPendingTasks(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &recorder{})
	release := make(chan struct{})
	started := make(chan struct{})
	c.queue.Enqueue("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	pending := c.ScheduleUpdate(false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	c.Stop()
	if err := <-pending; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := <-c.ScheduleUpdate(false); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}
