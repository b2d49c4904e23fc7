package observability

import (
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("presencectl", "GET", "/health", 200, 12*time.Millisecond)
	RecordSessionState("connected", true)
	RecordConnect("ok", 40*time.Millisecond)
	RecordStreamBroken("/service.Server/Communicate")
	RecordPing()
	RecordPong("even", true)
	RecordPresenceUpdate("applied")
}

func TestSessionConnectedGaugeFollowsState(t *testing.T) {
	testlog.Start(t)
	RecordSessionState("connected", true)
	require.Equal(t, float64(1), metricValue(t, sessionConnected))

	RecordSessionState("disconnected", false)
	require.Equal(t, float64(0), metricValue(t, sessionConnected))
}

func TestPresenceUpdatesCountedByOutcome(t *testing.T) {
	testlog.Start(t)
	before := metricValue(t, presenceUpdates.WithLabelValues("dropped"))
	RecordPresenceUpdate("dropped")
	RecordPresenceUpdate("dropped")
	require.Equal(t, before+2, metricValue(t, presenceUpdates.WithLabelValues("dropped")))
}
