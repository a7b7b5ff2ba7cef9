// Package metrics exposes Prometheus collectors for the session lifecycle core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive          prometheus.Gauge
	sessionsCreatedTotal    prometheus.Counter
	sessionsEvictedTotal    prometheus.Counter
	checkpointFlushesTotal  *prometheus.CounterVec
	crashedJobsFailedTotal  prometheus.Counter
	drainEntriesTotal       *prometheus.CounterVec
	engineStopTimeoutsTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "librecrawl_sessions_active",
			Help: "Number of sessions currently bound in the registry.",
		})

		sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "librecrawl_sessions_created_total",
			Help: "Total number of engine instances constructed for sessions.",
		})

		sessionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "librecrawl_sessions_evicted_total",
			Help: "Total number of sessions removed by the idle sweeper.",
		})

		checkpointFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "librecrawl_checkpoint_flushes_total",
				Help: "Total checkpoint flushes, labeled by trigger and result.",
			},
			[]string{"trigger", "result"},
		)

		crashedJobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "librecrawl_crashed_jobs_failed_total",
			Help: "Jobs found running at boot and reclassified as failed.",
		})

		drainEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "librecrawl_drain_entries_total",
				Help: "Registry entries processed during graceful drain, labeled by result.",
			},
			[]string{"result"},
		)

		engineStopTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "librecrawl_engine_stop_timeouts_total",
			Help: "Best-effort engine stops that exceeded their budget.",
		})
	})
}

// SetSessionsActive records the current registry size.
func SetSessionsActive(n int) {
	if sessionsActive != nil {
		sessionsActive.Set(float64(n))
	}
}

// IncSessionsCreated counts an engine construction.
func IncSessionsCreated() {
	if sessionsCreatedTotal != nil {
		sessionsCreatedTotal.Inc()
	}
}

// IncSessionsEvicted counts an idle eviction.
func IncSessionsEvicted() {
	if sessionsEvictedTotal != nil {
		sessionsEvictedTotal.Inc()
	}
}

// ObserveCheckpointFlush counts a checkpoint flush by trigger ("periodic",
// "forced") and result ("ok", "error").
func ObserveCheckpointFlush(trigger string, err error) {
	if checkpointFlushesTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointFlushesTotal.WithLabelValues(trigger, result).Inc()
}

// IncCrashedJobsFailed counts a boot-time running->failed rewrite.
func IncCrashedJobsFailed() {
	if crashedJobsFailedTotal != nil {
		crashedJobsFailedTotal.Inc()
	}
}

// ObserveDrainEntry counts a drained entry by result ("ok", "error", "skipped").
func ObserveDrainEntry(result string) {
	if drainEntriesTotal != nil {
		drainEntriesTotal.WithLabelValues(result).Inc()
	}
}

// IncEngineStopTimeout counts a stop that exceeded its budget.
func IncEngineStopTimeout() {
	if engineStopTimeoutsTotal != nil {
		engineStopTimeoutsTotal.Inc()
	}
}
