// Package metrics exposes the orchestrator's Prometheus counters and
// gauges, built with promauto the way the rest of the example corpus
// wires metrics: package-level collectors registered once at import
// time, incremented from wherever the event actually happens.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_batches_started_total",
		Help: "Total number of batches started via StartBatch.",
	})

	BatchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_batches_completed_total",
		Help: "Total number of batches that reached a terminal status, labeled by outcome.",
	}, []string{"status"})

	ActiveBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_batches",
		Help: "Number of batches currently in a non-terminal phase.",
	})

	SpawnAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_spawn_attempts_total",
		Help: "Number of alarm wakes in which at least one remote spawn succeeded (outcome=\"spawned\"); individual attempts and failed spawns are not counted.",
	}, []string{"outcome"})

	CallbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_callbacks_received_total",
		Help: "Total number of worker callbacks received, labeled by reported status.",
	}, []string{"status"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_task_retries_total",
		Help: "Total number of task-level retries issued after a worker-reported error.",
	})

	BatchNoProgressRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_batch_no_progress_retries_total",
		Help: "Total number of batch-level retries issued after an alarm found no progress.",
	})

	AlarmsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_alarms_fired_total",
		Help: "Total number of due alarms processed by the run loop.",
	})

	PhaseAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_phase_advances_total",
		Help: "Total number of phase transitions, labeled by the phase advanced into.",
	}, []string{"phase"})
)

// Handler returns the HTTP handler to mount at the metrics server's
// "/metrics" route.
func Handler() http.Handler {
	return promhttp.Handler()
}
