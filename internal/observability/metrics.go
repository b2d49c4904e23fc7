package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "presencectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"state"},
	)
	sessionConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Connect attempts by result.",
		},
		[]string{"result"},
	)
	sessionConnectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "presencectl",
			Subsystem: "session",
			Name:      "connect_duration_seconds",
			Help:      "Time spent acquiring a transport handle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	sessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presencectl",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while a session is connected.",
		},
	)
	streamBroken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "stream",
			Name:      "broken_total",
			Help:      "Streams that terminated without being asked to.",
		},
		[]string{"method"},
	)
	heartbeatPings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "heartbeat",
			Name:      "pings_total",
			Help:      "Pings received from the server.",
		},
	)
	heartbeatPongs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "heartbeat",
			Name:      "pongs_total",
			Help:      "Pongs sent, by parity and success.",
		},
		[]string{"parity", "success"},
	)
	presenceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presencectl",
			Subsystem: "presence",
			Name:      "updates_total",
			Help:      "Presence updates received, by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			sessionConnects,
			sessionConnectDuration,
			sessionConnected,
			streamBroken,
			heartbeatPings,
			heartbeatPongs,
			presenceUpdates,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionState(state string, connected bool) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
	if connected {
		sessionConnected.Set(1)
	} else {
		sessionConnected.Set(0)
	}
}

func RecordConnect(result string, duration time.Duration) {
	RegisterMetrics()
	sessionConnects.WithLabelValues(result).Inc()
	sessionConnectDuration.Observe(duration.Seconds())
}

func RecordStreamBroken(method string) {
	RegisterMetrics()
	streamBroken.WithLabelValues(method).Inc()
}

func RecordPing() {
	RegisterMetrics()
	heartbeatPings.Inc()
}

func RecordPong(parity string, success bool) {
	RegisterMetrics()
	heartbeatPongs.WithLabelValues(parity, strconv.FormatBool(success)).Inc()
}

func RecordPresenceUpdate(outcome string) {
	RegisterMetrics()
	presenceUpdates.WithLabelValues(outcome).Inc()
}
