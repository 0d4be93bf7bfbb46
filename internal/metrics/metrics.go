// Package metrics holds the prometheus collectors of the pager and its workers.
// Collectors are always updated; they are only exported once Register is called.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rescale/rescale-vrows/internal/constants"
)

var FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "fetch_total",
	Help:      "Page fetches by task kind and result.",
}, []string{"source", "kind", "result"})

var FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "fetch_duration_seconds",
	Help:      "Wall time of one task fetch, retries included.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"source", "kind"})

var StaleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "stale_results_total",
	Help:      "Fetch results discarded because their generation was superseded.",
}, []string{"source"})

var TasksQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "tasks_queued_total",
	Help:      "Tasks appended to the chain.",
}, []string{"source", "kind"})

var TasksCoalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "tasks_coalesced_total",
	Help:      "Page requests dropped because the same page was already queued.",
}, []string{"source"})

var PendingTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "pending_tasks",
	Help:      "Tasks of the current generation not yet completed.",
}, []string{"source"})

var HandoffTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "loader",
	Name:      "handoff_timeouts_total",
	Help:      "Completions the owner loop did not run in time.",
}, []string{"source"})

var CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Row lookups by result (hit or miss).",
}, []string{"source", "result"})

var WorkerIterationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "periodic",
	Name:      "iteration_failures_total",
	Help:      "Work unit iterations that returned an error or panicked.",
}, []string{"worker"})

var WorkerTeardownTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: constants.MetricsNamespace,
	Subsystem: "periodic",
	Name:      "teardown_timeouts_total",
	Help:      "Workers that did not exit within the teardown timeout and were leaked.",
}, []string{"worker"})

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FetchTotal,
		FetchDuration,
		StaleResults,
		TasksQueued,
		TasksCoalesced,
		PendingTasks,
		HandoffTimeouts,
		CacheLookups,
		WorkerIterationFailures,
		WorkerTeardownTimeouts,
	}
}

// Register adds all collectors to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
