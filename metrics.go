package durablestreams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request counters are labeled by outcome so dashboards can separate
// protocol rejections from engine failures.
var (
	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "appends_total",
		Help:      "Append requests by outcome.",
	}, []string{"outcome"})

	metricReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "reads_total",
		Help:      "Read requests by mode.",
	}, []string{"mode"})

	metricStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "stream_lifecycle_total",
		Help:      "Stream creations, closes and deletes.",
	}, []string{"event"})

	metricWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamd",
		Name:      "active_waiters",
		Help:      "Long-poll and SSE requests currently parked.",
	})
)

const (
	outcomeOK        = "ok"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"

	modeCatchUp  = "catch_up"
	modeLongPoll = "long_poll"
	modeSSE      = "sse"
)
