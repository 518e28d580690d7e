package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/koral-rdf/koral/internal/build"
)

var (
	ticksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "worker_ticks_total",
		Help:      "The total number of task scheduling ticks executed.",
	})

	failedTasksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "worker_failed_tasks_total",
		Help:      "The total number of tasks that failed during a tick.",
	})

	migratedTasksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "worker_migrated_tasks_total",
		Help:      "The total number of tasks moved to a neighbour thread by the rebalancer.",
	})

	threadLoadGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "worker_thread_load",
		Help:      "The current load of a worker thread as of its last sweep.",
	}, []string{"thread"})

	placementDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "worker_query_placement_duration_ms",
		Help:      "The time it took to build and place the tasks of a query in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
)
