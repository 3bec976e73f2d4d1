package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/leomon/internal/domain/fluctuation"
)

// MonitorMetrics records state machine notifications as OpenTelemetry instruments. It implements
// fluctuation.Observer.
type MonitorMetrics struct {
	trigger *fluctuation.TriggerState

	reconfigCounter      metric.Int64Counter
	windowsStarted       metric.Int64Counter
	windowsClosed        metric.Int64Counter
	parseFailures        metric.Int64Counter
	fluctuationHistogram metric.Int64Histogram
	triggerActiveGauge   metric.Int64ObservableGauge
	fluctuationGauge     metric.Int64ObservableGauge
}

// NewMonitorMetrics registers the monitor instruments on meter, or on the global "monitor" meter
// when meter is nil. Gauges read trigger lazily on collection.
func NewMonitorMetrics(meter metric.Meter, trigger *fluctuation.TriggerState) *MonitorMetrics {
	if meter == nil {
		meter = otel.Meter("monitor")
	}
	m := new(MonitorMetrics)
	m.trigger = trigger

	m.reconfigCounter, _ = meter.Int64Counter("monitor.reconfigs.detected",
		metric.WithDescription("Reconfiguration events with a valid settle duration"),
		metric.WithUnit("{event}"))
	m.windowsStarted, _ = meter.Int64Counter("monitor.windows.started",
		metric.WithDescription("Collection windows opened after the settle period"),
		metric.WithUnit("{window}"))
	m.windowsClosed, _ = meter.Int64Counter("monitor.windows.closed",
		metric.WithDescription("Collection windows reduced to a fluctuation value"),
		metric.WithUnit("{window}"))
	m.parseFailures, _ = meter.Int64Counter("monitor.parse.failures",
		metric.WithDescription("RTT text fields that failed to parse"),
		metric.WithUnit("{event}"))
	m.fluctuationHistogram, _ = meter.Int64Histogram(WindowFluctuationMetric,
		metric.WithDescription("P95-P5 RTT spread of closed windows"),
		metric.WithUnit("us"))
	m.triggerActiveGauge, _ = meter.Int64ObservableGauge("monitor.trigger.active",
		metric.WithDescription("1 while a reconfiguration is recently active"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			if m.trigger == nil {
				return nil
			}
			var v int64
			if m.trigger.Active() {
				v = 1
			}
			observer.Observe(v, metric.WithAttributes(AttrEnvironment.String(Environment())))
			return nil
		}))
	m.fluctuationGauge, _ = meter.Int64ObservableGauge("monitor.fluctuation",
		metric.WithDescription("Last published RTT fluctuation"),
		metric.WithUnit("us"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			if m.trigger == nil {
				return nil
			}
			observer.Observe(int64(m.trigger.Fluctuation()), metric.WithAttributes(AttrEnvironment.String(Environment())))
			return nil
		}))
	return m
}

// ReconfigDetected implements fluctuation.Observer.
func (m *MonitorMetrics) ReconfigDetected(contextID string, _ uint64, _ uint32) {
	if m.reconfigCounter != nil {
		m.reconfigCounter.Add(context.Background(), 1,
			metric.WithAttributes(ContextAttributes(Environment(), contextID)...))
	}
}

// WindowStarted implements fluctuation.Observer.
func (m *MonitorMetrics) WindowStarted(contextID string, _ uint64) {
	if m.windowsStarted != nil {
		m.windowsStarted.Add(context.Background(), 1,
			metric.WithAttributes(ContextAttributes(Environment(), contextID)...))
	}
}

// WindowClosed implements fluctuation.Observer.
func (m *MonitorMetrics) WindowClosed(w fluctuation.Window) {
	ctx := context.Background()
	attrs := metric.WithAttributes(ContextAttributes(Environment(), w.ContextID)...)
	if m.windowsClosed != nil {
		m.windowsClosed.Add(ctx, 1, attrs)
	}
	if m.fluctuationHistogram != nil {
		m.fluctuationHistogram.Record(ctx, int64(w.FluctuationUs), attrs)
	}
}

// ParseFailed implements fluctuation.Observer.
func (m *MonitorMetrics) ParseFailed(contextID string, field fluctuation.Field, _ string, _ error) {
	if m.parseFailures != nil {
		m.parseFailures.Add(context.Background(), 1,
			metric.WithAttributes(ParseFailureAttributes(Environment(), contextID, string(field))...))
	}
}
