package connect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "nbsync"

	transportConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connects_total",
			Help:      "Websocket connections opened",
		},
	)

	transportDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Websocket connections lost, by whether the close was clean",
		},
		[]string{"reason"},
	)

	decodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Inbound messages that could not be decoded",
		},
	)

	requestsOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_outstanding",
			Help:      "Requests waiting for a correlated response",
		},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "request_seconds",
			Help:      "Time from send to correlated response",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"type"},
	)

	patchesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "patches_applied_total",
			Help:      "Patches applied to the document mirror",
		},
	)

	patchConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document",
			Name:      "patch_conflicts_total",
			Help:      "Patch batches rejected because a path did not resolve",
		},
	)

	bondCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bond",
			Name:      "commits_total",
			Help:      "Bond values sent to the server, by result",
		},
		[]string{"result"},
	)
)
