// Package metrics exposes refresh pipeline instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TriggersTotal        *prometheus.CounterVec
	RefreshDuration      *prometheus.HistogramVec
	QueueDepth           prometheus.Gauge
	RetriesTotal         *prometheus.CounterVec
	CoordinationTimeouts prometheus.Counter
	CollectionConflicts  prometheus.Counter
	GroupsRefreshed      prometheus.Counter
	AttemptsExhausted    prometheus.Counter
}

// New registers the refresh metrics on the given registerer; tests pass
// their own registry to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TriggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_refresh_triggers_total",
			Help: "Refresh triggers by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_refresh_duration_seconds",
			Help:    "Wall time per trigger by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_refresh_queue_depth",
			Help: "Triggers waiting for a worker.",
		}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_refresh_retries_total",
			Help: "Trigger requeues by reason.",
		}, []string{"reason"}),
		CoordinationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_refresh_coordination_timeouts_total",
			Help: "Lock acquisitions abandoned at the deadline.",
		}),
		CollectionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_refresh_collection_conflicts_total",
			Help: "Commits aborted because a subject matched two groups of a collection.",
		}),
		GroupsRefreshed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_refresh_groups_refreshed_total",
			Help: "Groups whose membership was committed.",
		}),
		AttemptsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_refresh_attempts_exhausted_total",
			Help: "Triggers dropped after the retry budget ran out.",
		}),
	}
}
