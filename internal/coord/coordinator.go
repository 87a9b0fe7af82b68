package coord

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/licshare/internal/clock"
	"pkt.systems/licshare/internal/oplog"
	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

// Log is the readiness view of the log substrate.
type Log interface {
	Ready() bool
}

// Linearizer advances the view to the latest merged log position.
type Linearizer interface {
	Update(ctx context.Context) (oplog.UpdateResult, error)
}

// Result describes a completed rebuild.
type Result struct {
	oplog.UpdateResult
	Remote   bool
	Duration time.Duration
}

// Config wires a Coordinator to its collaborators. Log and Linearizer are
// required; every hook is optional.
type Config struct {
	Log        Log
	Linearizer Linearizer
	// Flush drains outbound transport buffers before linearizing.
	Flush func(ctx context.Context) error
	// Dump runs after the view moved to the new position.
	Dump func(ctx context.Context, r Result)
	// AfterUpdate runs after Dump for every rebuild.
	AfterUpdate []func(ctx context.Context, r Result)
	// Broadcast notifies peers after local rebuilds only.
	Broadcast func(ctx context.Context)

	Logger pslog.Logger
	Clock  clock.Clock
}

// Coordinator owns the rebuild cycle. Rebuilds and arbitrary tasks share a
// single Queue.
type Coordinator struct {
	cfg     Config
	queue   *Queue
	logger  pslog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *updateMetrics

	localDone atomic.Bool
}

// New starts a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, errors.New("coord: log required")
	}
	if cfg.Linearizer == nil {
		return nil, errors.New("coord: linearizer required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "coord")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Coordinator{
		cfg:    cfg,
		queue:  NewQueue(logger),
		logger: logger,
		clock:  clk,
		tracer: otel.Tracer("pkt.systems/licshare/coord"),
	}
	c.metrics = newUpdateMetrics(logger, c.queue)
	return c, nil
}

// ScheduleUpdate enqueues a rebuild. A remote rebuild that runs before the
// first local rebuild completed is a no-op. The channel receives the result
// once the rebuild ran.
func (c *Coordinator) ScheduleUpdate(remote bool) <-chan error {
	name := "update.local"
	if remote {
		name = "update.remote"
	}
	return c.queue.Enqueue(name, func(ctx context.Context) error {
		return c.rebuild(ctx, remote)
	})
}

// Update schedules a rebuild and waits for it.
func (c *Coordinator) Update(ctx context.Context, remote bool) error {
	return wait(ctx, c.ScheduleUpdate(remote))
}

// Do runs fn on the queue and waits for its result. When ctx ends first Do
// returns ctx.Err(); fn still runs in its turn with the same ctx.
func (c *Coordinator) Do(ctx context.Context, name string, fn Task) error {
	return wait(ctx, c.queue.Submit(ctx, name, fn))
}

// Post enqueues fn without waiting. Errors are logged.
func (c *Coordinator) Post(name string, fn Task) {
	done := c.queue.Enqueue(name, fn)
	go func() {
		if err := <-done; err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("coord.task.failed", "task", name, "error", err)
		}
	}()
}

// Ready reports whether a local rebuild has completed.
func (c *Coordinator) Ready() bool {
	return c.localDone.Load()
}

// Pending returns the number of queued or running tasks.
func (c *Coordinator) Pending() int {
	return c.queue.Len()
}

// Stop drains the queue.
func (c *Coordinator) Stop() {
	c.queue.Stop()
	c.metrics.close()
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) rebuild(ctx context.Context, remote bool) error {
	trigger := triggerLabel(remote)
	if remote && !c.localDone.Load() {
		c.logger.Trace("coord.update.skipped", "trigger", trigger, "reason", "no_local_update")
		c.metrics.record(ctx, trigger, "skipped", 0)
		return nil
	}
	begin := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "licshare.update", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("licshare.update.trigger", trigger))

	if c.cfg.Flush != nil {
		if err := c.cfg.Flush(ctx); err != nil {
			c.logger.Debug("coord.update.flush_failed", "trigger", trigger, "error", err)
		}
	}
	if !c.cfg.Log.Ready() {
		c.logger.Debug("coord.update.skipped", "trigger", trigger, "reason", "log_not_ready")
		span.SetStatus(codes.Ok, "log_not_ready")
		c.metrics.record(ctx, trigger, "skipped", 0)
		return nil
	}
	res, err := c.cfg.Linearizer.Update(ctx)
	if errors.Is(err, oplog.ErrNotReady) {
		c.logger.Debug("coord.update.skipped", "trigger", trigger, "reason", "log_not_ready")
		c.metrics.record(ctx, trigger, "skipped", 0)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "linearize_failed")
		c.metrics.record(ctx, trigger, "error", c.clock.Now().Sub(begin))
		c.logger.Warn("coord.update.failed", "trigger", trigger, "error", err)
		return err
	}
	if !remote {
		c.localDone.Store(true)
	}
	result := Result{UpdateResult: res, Remote: remote, Duration: c.clock.Now().Sub(begin)}
	span.SetAttributes(
		attribute.Int64("licshare.update.length", int64(res.Position.Length)),
		attribute.Int("licshare.update.applied", res.Applied),
		attribute.Bool("licshare.update.rebased", res.Rebased),
	)
	if c.cfg.Dump != nil {
		c.cfg.Dump(ctx, result)
	}
	for _, hook := range c.cfg.AfterUpdate {
		hook(ctx, result)
	}
	if !remote && c.cfg.Broadcast != nil {
		c.cfg.Broadcast(ctx)
	}
	span.SetStatus(codes.Ok, "")
	c.metrics.record(ctx, trigger, "success", c.clock.Now().Sub(begin))
	c.logger.Trace("coord.update.done", "trigger", trigger, "length", res.Position.Length, "applied", res.Applied, "rebased", res.Rebased)
	return nil
}

func triggerLabel(remote bool) string {
	if remote {
		return "remote"
	}
	return "local"
}
