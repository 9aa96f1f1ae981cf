package faultd

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type harnessMetrics struct {
	admitted      metric.Int64Counter
	refused       metric.Int64Counter
	acks          metric.Int64Counter
	delaysApplied metric.Int64Counter
	relayBytes    metric.Int64Counter
	linkDelay     metric.Int64ObservableGauge
	schedState    metric.Int64ObservableGauge

	delayMirror atomic.Int64
}

func newHarnessMetrics(logger pslog.Logger, state func() ControlSnapshot) *harnessMetrics {
	meter := otel.Meter("pkt.systems/faultd")
	m := &harnessMetrics{}
	var err error

	m.admitted, err = meter.Int64Counter(
		"faultd.gate.admitted",
		metric.WithDescription("Connections admitted through the gate"),
	)
	logMetricInitError(logger, "faultd.gate.admitted", err)

	m.refused, err = meter.Int64Counter(
		"faultd.gate.refused",
		metric.WithDescription("Connections refused by the gate"),
	)
	logMetricInitError(logger, "faultd.gate.refused", err)

	m.acks, err = meter.Int64Counter(
		"faultd.scheduler.acks",
		metric.WithDescription("Scheduler wake cycles acknowledged"),
	)
	logMetricInitError(logger, "faultd.scheduler.acks", err)

	m.delaysApplied, err = meter.Int64Counter(
		"faultd.scheduler.delays_applied",
		metric.WithDescription("Delay changes applied to the admitted connection"),
	)
	logMetricInitError(logger, "faultd.scheduler.delays_applied", err)

	m.relayBytes, err = meter.Int64Counter(
		"faultd.link.relayed_bytes",
		metric.WithDescription("Bytes relayed across the admitted connection"),
	)
	logMetricInitError(logger, "faultd.link.relayed_bytes", err)

	m.linkDelay, err = meter.Int64ObservableGauge(
		"faultd.link.delay_ms",
		metric.WithDescription("Forwarding delay currently in effect, in milliseconds"),
	)
	logMetricInitError(logger, "faultd.link.delay_ms", err)

	m.schedState, err = meter.Int64ObservableGauge(
		"faultd.scheduler.state",
		metric.WithDescription("Scheduler state (0 idle, 1 armed, 2 terminating)"),
	)
	logMetricInitError(logger, "faultd.scheduler.state", err)

	if m.linkDelay != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.linkDelay, m.delayMirror.Load()/int64(time.Millisecond))
			return nil
		}, m.linkDelay); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "faultd.link.delay_ms", "error", err)
		}
	}

	if m.schedState != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if state == nil {
				return nil
			}
			o.ObserveInt64(m.schedState, schedulerStateValue(state()))
			return nil
		}, m.schedState); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "faultd.scheduler.state", "error", err)
		}
	}

	return m
}

func schedulerStateValue(snap ControlSnapshot) int64 {
	switch {
	case snap.Terminating:
		return 2
	case snap.DeadlineArmed:
		return 1
	default:
		return 0
	}
}

func (m *harnessMetrics) recordAdmitted() {
	if m == nil || m.admitted == nil {
		return
	}
	m.admitted.Add(context.Background(), 1)
}

func (m *harnessMetrics) recordRefused() {
	if m == nil || m.refused == nil {
		return
	}
	m.refused.Add(context.Background(), 1)
}

func (m *harnessMetrics) recordAck(ctx context.Context) {
	if m == nil || m.acks == nil {
		return
	}
	m.acks.Add(metricContext(ctx), 1)
}

func (m *harnessMetrics) recordDelayApplied(ctx context.Context, delay time.Duration) {
	if m == nil || m.delaysApplied == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("faultd.delay.cleared", boolLabel(delay == 0)),
	}
	m.delaysApplied.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *harnessMetrics) recordRelayBytes(dir string, n int64) {
	if m == nil || m.relayBytes == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("faultd.link.dir", dir),
	}
	m.relayBytes.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

func (m *harnessMetrics) observeLinkDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.delayMirror.Store(int64(d))
}

func boolLabel(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
