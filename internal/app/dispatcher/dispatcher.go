// Package dispatcher routes raw telemetry payloads to the per-context state machines.
package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
	"github.com/coachpo/leomon/internal/domain/rtt"
	"github.com/coachpo/leomon/internal/infra/telemetry"
)

// Drop reasons reported on monitor.events.dropped.
const (
	DropUnknownContext   = "unknown_context"
	DropMalformedPayload = "malformed_payload"
)

// Dispatcher resolves the owning context of each payload and runs it through the state machine
// synchronously on the caller's goroutine.
type Dispatcher struct {
	registry *Registry
	clock    func() time.Time

	eventsDispatchedCounter metric.Int64Counter
	eventsDroppedCounter    metric.Int64Counter
	samplesRecordedCounter  metric.Int64Counter
	dispatchDuration        metric.Float64Histogram
	contextsGauge           metric.Int64ObservableGauge
}

// New constructs a dispatcher over registry.
func New(registry *Registry) *Dispatcher {
	d := new(Dispatcher)
	d.registry = registry
	d.clock = time.Now

	meter := otel.Meter("dispatcher")
	d.eventsDispatchedCounter, _ = meter.Int64Counter("monitor.events.dispatched",
		metric.WithDescription("Number of telemetry events delivered to a context"),
		metric.WithUnit("{event}"))
	d.eventsDroppedCounter, _ = meter.Int64Counter("monitor.events.dropped",
		metric.WithDescription("Number of telemetry events dropped before reaching a context"),
		metric.WithUnit("{event}"))
	d.samplesRecordedCounter, _ = meter.Int64Counter("monitor.samples.recorded",
		metric.WithDescription("Number of RTT samples appended to a collection window"),
		metric.WithUnit("{sample}"))
	d.dispatchDuration, _ = meter.Float64Histogram(telemetry.DispatchDurationMetric,
		metric.WithDescription("Time spent processing one telemetry event"),
		metric.WithUnit("ms"))
	d.contextsGauge, _ = meter.Int64ObservableGauge("monitor.contexts.registered",
		metric.WithDescription("Number of registered network contexts"),
		metric.WithUnit("{context}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			if d.registry != nil {
				observer.Observe(int64(d.registry.Len()),
					metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			}
			return nil
		}))
	return d
}

// Registry exposes the context registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch delivers one raw record to contextID. Unknown contexts and short payloads are dropped
// without touching any state; the returned error only serves accounting.
func (d *Dispatcher) Dispatch(ctx context.Context, contextID string, payload []byte) (fluctuation.Outcome, error) {
	target, ok := d.registry.Lookup(contextID)
	if !ok {
		d.recordDrop(ctx, DropUnknownContext)
		return fluctuation.Outcome{}, errs.New("dispatcher/dispatch", errs.CodeNotFound,
			errs.WithMessage("context not registered"),
			errs.WithField("context", contextID))
	}
	evt, err := rtt.Decode(payload)
	if err != nil {
		d.recordDrop(ctx, DropMalformedPayload)
		return fluctuation.Outcome{}, err
	}

	start := d.clock()
	out := target.Process(evt)
	elapsed := float64(d.clock().Sub(start).Microseconds()) / 1000

	if d.eventsDispatchedCounter != nil {
		d.eventsDispatchedCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.DispatchAttributes(telemetry.Environment(), evt.IsReconfig, resultOf(out))...))
	}
	if out.SampleRecorded && d.samplesRecordedCounter != nil {
		d.samplesRecordedCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.ContextAttributes(telemetry.Environment(), contextID)...))
	}
	if d.dispatchDuration != nil {
		d.dispatchDuration.Record(ctx, elapsed,
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return out, nil
}

func (d *Dispatcher) recordDrop(ctx context.Context, reason string) {
	if d.eventsDroppedCounter == nil {
		return
	}
	d.eventsDroppedCounter.Add(ctx, 1,
		metric.WithAttributes(telemetry.DropAttributes(telemetry.Environment(), reason)...))
}

func resultOf(out fluctuation.Outcome) string {
	switch {
	case out.Window != nil:
		return telemetry.ResultWindowClosed
	case out.SampleParseFailed || out.SettleParseFailed:
		return telemetry.ResultParseFailed
	case out.SampleRecorded:
		return telemetry.ResultRecorded
	default:
		return telemetry.ResultIgnored
	}
}
