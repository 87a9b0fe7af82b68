package coord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type updateMetrics struct {
	count    metric.Int64Counter
	duration metric.Int64Histogram
	depth    metric.Int64ObservableGauge
	reg      metric.Registration
}

func newUpdateMetrics(logger pslog.Logger, q *Queue) *updateMetrics {
	meter := otel.Meter("pkt.systems/licshare/coord")
	m := &updateMetrics{}
	var err error

	m.count, err = meter.Int64Counter(
		"licshare.update",
		metric.WithDescription("View rebuilds"),
	)
	logMetricInitError(logger, "licshare.update", err)

	m.duration, err = meter.Int64Histogram(
		"licshare.update.duration_ms",
		metric.WithDescription("View rebuild duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "licshare.update.duration_ms", err)

	m.depth, err = meter.Int64ObservableGauge(
		"licshare.update.queue_depth",
		metric.WithDescription("Tasks waiting or running on the coordinator queue"),
	)
	logMetricInitError(logger, "licshare.update.queue_depth", err)

	if m.depth != nil {
		reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.depth, int64(q.Len()))
			return nil
		}, m.depth)
		if err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "licshare.update.queue_depth", "error", err)
		}
		m.reg = reg
	}
	return m
}

func (m *updateMetrics) record(ctx context.Context, trigger, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("licshare.update.trigger", trigger),
		attribute.String("licshare.update.result", result),
	)
	if m.count != nil {
		m.count.Add(ctx, 1, attrs)
	}
	if m.duration != nil && result != "skipped" {
		m.duration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *updateMetrics) close() {
	if m == nil || m.reg == nil {
		return
	}
	_ = m.reg.Unregister()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
