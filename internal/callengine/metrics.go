package callengine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics bundles the counters the engine touches on the hot
// path. A nil receiver disables everything so tests can skip the
// meter wiring.
type engineMetrics struct {
	callsStarted     metric.Int64Counter
	callsCompleted   metric.Int64Counter
	bargeIns         metric.Int64Counter
	starvations      metric.Int64Counter
	providerFailures metric.Int64Counter
	recoveries       metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	if meter == nil {
		return nil, nil
	}
	m := &engineMetrics{}
	var err error
	if m.callsStarted, err = meter.Int64Counter("voxcall.calls.started",
		metric.WithDescription("Inbound calls accepted")); err != nil {
		return nil, err
	}
	if m.callsCompleted, err = meter.Int64Counter("voxcall.calls.completed",
		metric.WithDescription("Calls torn down, by reason")); err != nil {
		return nil, err
	}
	if m.bargeIns, err = meter.Int64Counter("voxcall.bargein.total",
		metric.WithDescription("Caller interruptions that cut agent playback")); err != nil {
		return nil, err
	}
	if m.starvations, err = meter.Int64Counter("voxcall.playback.starved",
		metric.WithDescription("Playback underruns that inserted comfort noise")); err != nil {
		return nil, err
	}
	if m.providerFailures, err = meter.Int64Counter("voxcall.provider.failures",
		metric.WithDescription("Provider stage failures, by stage")); err != nil {
		return nil, err
	}
	if m.recoveries, err = meter.Int64Counter("voxcall.provider.recoveries",
		metric.WithDescription("Provider sessions re-established mid-call")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) callStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.callsStarted.Add(ctx, 1)
}

func (m *engineMetrics) callCompleted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.callsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *engineMetrics) bargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.bargeIns.Add(ctx, 1)
}

func (m *engineMetrics) starved(ctx context.Context) {
	if m == nil {
		return
	}
	m.starvations.Add(ctx, 1)
}

func (m *engineMetrics) providerFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *engineMetrics) recovered(ctx context.Context) {
	if m == nil {
		return
	}
	m.recoveries.Add(ctx, 1)
}
