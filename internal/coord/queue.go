// Package coord serializes view rebuilds and every decision that depends on
// the view. All work runs on one FIFO queue drained by a single goroutine,
// so tasks never overlap and run strictly in submission order.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
)

// ErrStopped is returned for tasks submitted to, or still pending on, a
// stopped queue.
var ErrStopped = errors.New("coord: stopped")

// Task is a unit of queued work.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	name string
	fn   Task
	done chan error
}

// Queue is a FIFO single-flight task queue. Submit never blocks, so timer
// callbacks and connection handlers can post work freely.
type Queue struct {
	logger pslog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*job
	wake    chan struct{}
	stopped bool
	running bool
	exited  chan struct{}
}

// NewQueue starts a queue worker.
func NewQueue(logger pslog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit appends fn to the queue; fn runs with ctx. The returned channel
// receives the task result.
func (q *Queue) Submit(ctx context.Context, name string, fn Task) <-chan error {
	return q.submit(ctx, name, fn)
}

// Enqueue appends fn to the queue; fn runs with a context cancelled by Stop.
func (q *Queue) Enqueue(name string, fn Task) <-chan error {
	return q.submit(nil, name, fn)
}

func (q *Queue) submit(ctx context.Context, name string, fn Task) <-chan error {
	done := make(chan error, 1)
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		done <- ErrStopped
		return done
	}
	q.pending = append(q.pending, &job{ctx: ctx, name: name, fn: fn, done: done})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done
}

// Len returns the number of tasks waiting or running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.running {
		n++
	}
	return n
}

// Stop lets the running task finish, fails every pending task with
// ErrStopped and waits for the worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.exited
		return
	}
	q.stopped = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.cancel()
	for _, j := range pending {
		j.done <- ErrStopped
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.exited
}

func (q *Queue) run() {
	defer close(q.exited)
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running = true
		q.mu.Unlock()

		j.done <- q.exec(j)

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}
}

func (q *Queue) exec(j *job) (err error) {
	ctx := j.ctx
	if ctx == nil {
		ctx = q.ctx
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coord: task %s panicked: %v", j.name, r)
			q.logger.Error("coord.task.panic", "task", j.name, "panic", r)
		}
	}()
	return j.fn(ctx)
}
