package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/leomon/internal/domain/fluctuation"
)

// SnapshotSource lists the current context snapshots.
type SnapshotSource interface {
	Snapshots() []fluctuation.ContextSnapshot
}

var (
	descTriggerActive = prometheus.NewDesc(
		"leomon_trigger_active",
		"1 while a reconfiguration is recently active.",
		nil, nil,
	)
	descFluctuation = prometheus.NewDesc(
		"leomon_fluctuation_microseconds",
		"Last published P95-P5 RTT spread.",
		[]string{"source"}, nil,
	)
	descContextSamples = prometheus.NewDesc(
		"leomon_context_samples",
		"Samples held in the current collection window of each context.",
		[]string{"context", "state"}, nil,
	)
	descContextBound = prometheus.NewDesc(
		"leomon_context_reconfig_rtt_microseconds",
		"Percentile bounds of the last reduced window of each context.",
		[]string{"context", "bound"}, nil,
	)
)

type stateCollector struct {
	trigger *fluctuation.TriggerState
	source  SnapshotSource
}

var _ prometheus.Collector = (*stateCollector)(nil)

// NewStateCollector exposes the trigger state and per-context snapshots. Values are read on each
// scrape.
func NewStateCollector(trigger *fluctuation.TriggerState, source SnapshotSource) prometheus.Collector {
	return &stateCollector{trigger: trigger, source: source}
}

// Describe implements the prometheus.Collector interface.
func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTriggerActive
	ch <- descFluctuation
	ch <- descContextSamples
	ch <- descContextBound
}

// Collect implements the prometheus.Collector interface.
func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.trigger != nil {
		snap := c.trigger.Snapshot()
		var active float64
		if snap.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(descTriggerActive, prometheus.GaugeValue, active)
		ch <- prometheus.MustNewConstMetric(descFluctuation, prometheus.GaugeValue, float64(snap.FluctuationUs), snap.Source)
	}
	if c.source == nil {
		return
	}
	for _, snap := range c.source.Snapshots() {
		ch <- prometheus.MustNewConstMetric(descContextSamples, prometheus.GaugeValue,
			float64(snap.SampleCount), snap.ID, string(snap.State))
		if snap.ReconfigMaxRTT == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(descContextBound, prometheus.GaugeValue,
			float64(snap.ReconfigMinRTT), snap.ID, "low")
		ch <- prometheus.MustNewConstMetric(descContextBound, prometheus.GaugeValue,
			float64(snap.ReconfigMaxRTT), snap.ID, "high")
	}
}

// IngestMetrics captures ingest connection and message counters.
type IngestMetrics struct {
	connections *prometheus.CounterVec
	messages    *prometheus.CounterVec
}

// NewIngestMetrics constructs ingest counters registered against the supplied registerer.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &IngestMetrics{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "leomon",
				Subsystem: "ingest",
				Name:      "connections_total",
				Help:      "Ingest channel lifecycle transitions.",
			},
			[]string{"state"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "leomon",
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Ingest messages by outcome.",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.connections, m.messages)
	return m
}

// ObserveConnection counts a connection state transition (accepted, rejected, closed).
func (m *IngestMetrics) ObserveConnection(state string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(state).Inc()
}

// ObserveMessage counts one received message by outcome (delivered, dropped, text).
func (m *IngestMetrics) ObserveMessage(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// ConnectionCounter exposes the counter for state, for tests and debug endpoints.
func (m *IngestMetrics) ConnectionCounter(state string) prometheus.Counter {
	return m.connections.WithLabelValues(state)
}

// MessageCounter exposes the counter for outcome.
func (m *IngestMetrics) MessageCounter(outcome string) prometheus.Counter {
	return m.messages.WithLabelValues(outcome)
}

// MetricsHandler serves the Prometheus exposition for gatherer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}) //nolint:exhaustruct
}
