// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Метрики создаются сразу, регистрируются — в Register; до регистрации они
// просто копятся в памяти (удобно для тестов).
var (
	once sync.Once

	RecordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "records_processed_total",
		Help: "Records handed to the processor",
	}, []string{"worker"})
	ProcessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "process_errors_total",
		Help: "Records whose processing failed",
	}, []string{"worker"})
	ProcessLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "process_latency_seconds",
		Help:    "Time spent in the processor per record",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
	PollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "poll_errors_total",
		Help: "Transient broker errors returned by poll",
	}, []string{"worker"})
	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "commits_total",
		Help: "Commit completions by result",
	}, []string{"worker", "result"})
	AssignedPartitions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "assigned_partitions",
		Help: "Partitions currently owned by the worker",
	}, []string{"worker"})
	Rebalances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "rebalance_events_total",
		Help: "Rebalance callbacks by kind",
	}, []string{"worker", "kind"})
	WorkerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "group_consumer", Subsystem: "worker", Name: "state",
		Help: "Current lifecycle state of the worker (numeric)",
	}, []string{"worker"})
	DedupSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "processor", Name: "dedup_skipped_total",
		Help: "Records skipped because they were already processed",
	})
	DedupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "group_consumer", Subsystem: "processor", Name: "dedup_errors_total",
		Help: "Dedup store errors (record processed anyway)",
	})
)

// Register registers all metrics exactly once.
// If r == nil, uses prometheus.DefaultRegisterer; duplicate registrations are ignored.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		collectors := []prometheus.Collector{
			RecordsProcessed,
			ProcessErrors,
			ProcessLatency,
			PollErrors,
			Commits,
			AssignedPartitions,
			Rebalances,
			WorkerState,
			DedupSkipped,
			DedupErrors,
		}
		for _, c := range collectors {
			if err := r.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
