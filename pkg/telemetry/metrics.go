package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Trial metrics
	TrialsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "trial",
			Name:      "submitted_total",
			Help:      "Total number of trials accepted by the supervisor",
		},
	)

	TrialsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "trial",
			Name:      "rejected_total",
			Help:      "Total number of trial submissions rejected",
		},
		[]string{"reason"},
	)

	TrialsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "trial",
			Name:      "finished_total",
			Help:      "Total number of trials reaching a terminal phase",
		},
		[]string{"outcome"},
	)

	ActiveTrials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mendel",
			Subsystem: "trial",
			Name:      "active",
			Help:      "Number of currently running trial coordinators",
		},
	)

	GenerationsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "trial",
			Name:      "generations_total",
			Help:      "Total number of generations executed",
		},
		[]string{"outcome"},
	)

	// Fleet metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mendel",
			Subsystem: "fleet",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	ServiceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "fleet",
			Name:      "calls_total",
			Help:      "Total number of calls routed through the registry",
		},
		[]string{"service", "outcome"},
	)

	ServiceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mendel",
			Subsystem: "fleet",
			Name:      "call_duration_seconds",
			Help:      "External service call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"service"},
	)

	// Broadcast metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "broadcast",
			Name:      "events_published_total",
			Help:      "Total number of status events published",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "broadcast",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped for slow subscribers",
		},
	)

	// Persistence metrics
	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mendel",
			Subsystem: "storage",
			Name:      "failures_total",
			Help:      "Total number of failed trial-state persistence attempts",
		},
	)
)
