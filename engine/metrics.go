package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed by the engine. Registered on the default registry and
// served from the API's /metrics endpoint.
var (
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks submitted to the queue backend, by queue.",
	}, []string{"queue"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "tasks_completed_total",
		Help:      "Task terminal states, by status.",
	}, []string{"status"})

	stepsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "plan_steps_dropped_total",
		Help:      "Steps soft-dropped by the planner (cycles or unknown references).",
	})

	prereqTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "prerequisite_wait_timeouts_total",
		Help:      "Prerequisite waits that exceeded the ceiling.",
	})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "loom",
		Name:      "task_duration_seconds",
		Help:      "Wall time of task execution including prerequisite waits.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
	})
)
