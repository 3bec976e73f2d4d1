package diagnostics

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/leomon/internal/domain/fluctuation"
)

func newTestObserver(opts ...Option) (*LogObserver, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogObserver(log.New(&buf, "", 0), opts...), &buf
}

func TestReconfigLine(t *testing.T) {
	obs, buf := newTestObserver()
	obs.ReconfigDetected("ns1", 1000, 50)
	require.Equal(t, "reconfig detected in context=ns1: will start RTT collection after 50 ms\n", buf.String())
}

func TestParseFailureLinesByField(t *testing.T) {
	obs, buf := newTestObserver(WithLimit(0, 0))
	parseErr := errors.New("bad digit")
	obs.ParseFailed("ns1", fluctuation.FieldSample, "12a", parseErr)
	obs.ParseFailed("ns1", fluctuation.FieldSettle, "x", parseErr)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "invalid RTT value received in context=ns1"))
	require.True(t, strings.HasPrefix(lines[1], "invalid RTT value during reconfig in context=ns1"))
}

func TestParseFailuresAreThrottled(t *testing.T) {
	obs, buf := newTestObserver(WithLimit(0.001, 2))
	for i := 0; i < 10; i++ {
		obs.ParseFailed("ns1", fluctuation.FieldSample, "bad", errors.New("bad"))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	obs.mu.Lock()
	require.Equal(t, 8, obs.suppressed)
	obs.limiter = nil
	obs.mu.Unlock()

	obs.ParseFailed("ns1", fluctuation.FieldSample, "bad", errors.New("bad"))
	require.Contains(t, buf.String(), "(8 similar lines suppressed)")
}

func TestWindowLinesOnlyWhenVerbose(t *testing.T) {
	quiet, quietBuf := newTestObserver()
	quiet.WindowStarted("ns1", 10)
	quiet.WindowClosed(fluctuation.Window{ContextID: "ns1"})
	require.Empty(t, quietBuf.String())

	loud, loudBuf := newTestObserver(WithWindowLogging())
	loud.WindowStarted("ns1", 10)
	loud.WindowClosed(fluctuation.Window{ContextID: "ns1", SampleCount: 100, LowRTT: 105, HighRTT: 195, FluctuationUs: 90})
	require.Contains(t, loudBuf.String(), "RTT collection started in context=ns1 at 10 ms")
	require.Contains(t, loudBuf.String(), "fluctuation=90us")
}

func TestNilLoggerDiscards(t *testing.T) {
	obs := NewLogObserver(nil)
	obs.ReconfigDetected("ns1", 1, 1)
}
