package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/leomon/internal/domain/fluctuation"
)

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestNewProviderDisabledKeepsGlobals(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Environment: "Staging"})
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, p.Meter("test"))
	require.NoError(t, p.Shutdown(context.Background()))
	SetEnvironment("")
	require.Equal(t, "development", Environment())
}

func TestNewProviderWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnableTraces = true
	cfg.OTLPEndpoint = srv.URL
	cfg.OTLPInsecure = true
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMonitorMetricsRecordsWindowsAndGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(HistogramViews()...))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	trigger := fluctuation.NewTriggerState()
	trigger.Activate()
	trigger.Publish("ns1", 90)
	m := NewMonitorMetrics(mp.Meter("monitor"), trigger)

	m.ReconfigDetected("ns1", 1000, 50)
	m.WindowStarted("ns1", 1050)
	m.WindowClosed(fluctuation.Window{ContextID: "ns1", FluctuationUs: 90, SampleCount: 100})
	m.ParseFailed("ns1", fluctuation.FieldSample, "x", nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch data := md.Data.(type) {
			case metricdata.Gauge[int64]:
				require.Len(t, data.DataPoints, 1)
				if md.Name == "monitor.fluctuation" {
					require.Equal(t, int64(90), data.DataPoints[0].Value)
				}
				if md.Name == "monitor.trigger.active" {
					require.Equal(t, int64(1), data.DataPoints[0].Value)
				}
			case metricdata.Histogram[int64]:
				require.Equal(t, WindowFluctuationMetric, md.Name)
				require.Equal(t, uint64(1), data.DataPoints[0].Count)
			}
		}
	}
	for _, name := range []string{
		"monitor.reconfigs.detected",
		"monitor.windows.started",
		"monitor.windows.closed",
		"monitor.parse.failures",
		WindowFluctuationMetric,
		"monitor.trigger.active",
		"monitor.fluctuation",
	} {
		require.True(t, found[name], "missing metric %s", name)
	}
}

type staticSnapshots []fluctuation.ContextSnapshot

func (s staticSnapshots) Snapshots() []fluctuation.ContextSnapshot { return s }

func TestStateCollectorExposition(t *testing.T) {
	trigger := fluctuation.NewTriggerState()
	trigger.Publish("edge", 1200)
	collector := NewStateCollector(trigger, staticSnapshots{
		{ID: "edge", State: fluctuation.StateIdle, SampleCount: 100, ReconfigMinRTT: 1000, ReconfigMaxRTT: 2200},
		{ID: "core", State: fluctuation.StateCollecting, SampleCount: 12},
	})

	expected := `
# HELP leomon_context_reconfig_rtt_microseconds Percentile bounds of the last reduced window of each context.
# TYPE leomon_context_reconfig_rtt_microseconds gauge
leomon_context_reconfig_rtt_microseconds{bound="high",context="edge"} 2200
leomon_context_reconfig_rtt_microseconds{bound="low",context="edge"} 1000
# HELP leomon_context_samples Samples held in the current collection window of each context.
# TYPE leomon_context_samples gauge
leomon_context_samples{context="core",state="collecting"} 12
leomon_context_samples{context="edge",state="idle"} 100
# HELP leomon_fluctuation_microseconds Last published P95-P5 RTT spread.
# TYPE leomon_fluctuation_microseconds gauge
leomon_fluctuation_microseconds{source="edge"} 1200
# HELP leomon_trigger_active 1 while a reconfiguration is recently active.
# TYPE leomon_trigger_active gauge
leomon_trigger_active 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
}

func TestIngestMetricsAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIngestMetrics(reg)
	m.ObserveConnection("accepted")
	m.ObserveMessage("delivered")
	m.ObserveMessage("delivered")
	require.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionCounter("accepted")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.MessageCounter("delivered")))

	var nilMetrics *IngestMetrics
	nilMetrics.ObserveMessage("dropped")

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `leomon_ingest_messages_total{outcome="delivered"} 2`)
}
