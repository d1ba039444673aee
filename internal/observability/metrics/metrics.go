// Package metrics defines the Prometheus instruments exported on the
// health server's /metrics endpoint. Instruments are package-level and
// registered via promauto; callers increment them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trackbot"

// Sweep metrics.
var (
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Completed sweeps by trigger (checkpoint, manual).",
	}, []string{"trigger"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Wall time of a full sweep over all tracked items.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	SweepItemErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "item_errors_total",
		Help:      "Items skipped during a sweep because the fetch or store failed.",
	})
)

// Source metrics.
var (
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "fetches_total",
		Help:      "View-count fetches by outcome (ok, not_found, error).",
	}, []string{"outcome"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of a single view-count fetch, including rate-limiter wait.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// Tracker metrics.
var (
	MilestonesCrossedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "milestones_crossed_total",
		Help:      "Milestone alerts emitted after a watermark advance.",
	})

	MilestonesPrimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "milestones_primed_total",
		Help:      "First observations that primed a watermark without alerting.",
	})

	IntervalRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "interval_runs_total",
		Help:      "Per-item interval checks executed.",
	})

	UpcomingDigestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "upcoming_digests_total",
		Help:      "Upcoming-milestone digests enqueued after a sweep.",
	})

	TrackedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "tracked_items",
		Help:      "Items currently tracked, refreshed after each sweep.",
	})
)

// Notifier metrics. Outcome counters are fed from notifier bus events
// by the app; the queue gauge is sampled periodically.
var (
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notifications by outcome (sent, failed, deduped, dropped).",
	}, []string{"outcome"})

	NotifierQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Notifications waiting in the send queue.",
	})
)

// Build info, value is always 1.
var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "build_info",
	Help:      "Build information. Value is always 1.",
}, []string{"version", "commit", "build_time"})

// SetBuildInfo records the running build's identity. Call once at startup.
func SetBuildInfo(version, commit, buildTime string) {
	buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
