package licshare

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/licshare/api"
	"pkt.systems/licshare/internal/reducer"
	"pkt.systems/licshare/internal/view"
	"pkt.systems/pslog"
)

var (
	attrOutcomeApplied = attribute.String("licshare.op.outcome", reducer.Applied.String())
	attrOutcomeIgnored = attribute.String("licshare.op.outcome", reducer.Ignored.String())
	attrOutcomeInvalid = attribute.String("licshare.op.outcome", reducer.Invalid.String())
	attrKindLicence    = attribute.String("licshare.view.kind", "licence")
	attrKindUsage      = attribute.String("licshare.view.kind", "usage")
)

type nodeMetrics struct {
	ops          metric.Int64Counter
	registration metric.Registration
}

func newNodeMetrics(logger pslog.Logger, v *view.View) *nodeMetrics {
	meter := otel.Meter("pkt.systems/licshare")
	m := &nodeMetrics{}
	var err error
	m.ops, err = meter.Int64Counter(
		"licshare.reducer.ops",
		metric.WithDescription("Operations reduced into the view, by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "licshare.reducer.ops", "error", err)
	}
	entries, err := meter.Int64ObservableGauge(
		"licshare.view.entries",
		metric.WithDescription("Licences and usage leases currently in the view"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "licshare.view.entries", "error", err)
		return m
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(entries, countPrefix(v, api.LicencePrefix), metric.WithAttributes(attrKindLicence))
		o.ObserveInt64(entries, countPrefix(v, api.UsagePrefix), metric.WithAttributes(attrKindUsage))
		return nil
	}, entries)
	if err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "licshare.view.entries", "error", err)
	}
	return m
}

func (m *nodeMetrics) record(stats reducer.Stats) {
	if m == nil || m.ops == nil {
		return
	}
	ctx := context.Background()
	if stats.Applied > 0 {
		m.ops.Add(ctx, int64(stats.Applied), metric.WithAttributes(attrOutcomeApplied))
	}
	if stats.Ignored > 0 {
		m.ops.Add(ctx, int64(stats.Ignored), metric.WithAttributes(attrOutcomeIgnored))
	}
	if stats.Invalid > 0 {
		m.ops.Add(ctx, int64(stats.Invalid), metric.WithAttributes(attrOutcomeInvalid))
	}
}

func (m *nodeMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func countPrefix(v *view.View, prefix string) int64 {
	var n int64
	for range v.Scan(view.Prefix(prefix)) {
		n++
	}
	return n
}
