package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for sparkstep.
// Using promauto for automatic registration with default registry.
var (
	// --- Step Metrics ---

	// StepsTotal counts finished step invocations by status.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "steps",
			Name:      "total",
			Help:      "Total number of Spark step invocations by status",
		},
		[]string{"status"},
	)

	// StepDuration tracks how long spark-submit ran.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sparkstep",
			Subsystem: "steps",
			Name:      "duration_seconds",
			Help:      "Duration of spark-submit invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 15), // 0.5s to ~4.5h
		},
		[]string{"status"},
	)

	// ConfigFailures counts steps rejected before submission.
	ConfigFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "steps",
			Name:      "config_failures_total",
			Help:      "Steps that failed configuration resolution before spawning spark-submit",
		},
	)

	// OutputLines counts lines captured from spark-submit.
	OutputLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "steps",
			Name:      "output_lines_total",
			Help:      "Lines captured from spark-submit output",
		},
	)

	// --- Executor Metrics ---

	// ExecutorStepsRunning tracks concurrent steps on this executor.
	ExecutorStepsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sparkstep",
			Subsystem: "executor",
			Name:      "steps_running",
			Help:      "Number of Spark steps currently running on this executor",
		},
	)

	// HeartbeatsSent counts heartbeats sent by executor.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "executor",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// --- Queue Metrics ---

	// SubmissionsTotal counts steps accepted by the API.
	SubmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "queue",
			Name:      "submissions_total",
			Help:      "Total number of steps pushed to the queue",
		},
	)

	// QueueErrors counts failed queue operations by kind.
	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Queue operations that failed",
		},
		[]string{"op"},
	)

	// OutputArchived counts step outputs archived to the output store.
	OutputArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "executor",
			Name:      "output_archived_total",
			Help:      "Step outputs handed to the output store by result",
		},
		[]string{"result"},
	)

	// --- Collector Metrics ---

	// ReportsApplied counts reports merged into the status store.
	ReportsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "collector",
			Name:      "reports_applied_total",
			Help:      "Step reports applied to the status store by status",
		},
		[]string{"status"},
	)

	// ReportsReclaimed counts pending reports taken over for another apply.
	ReportsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "collector",
			Name:      "reports_reclaimed_total",
			Help:      "Stale pending reports claimed for another apply attempt, by result",
		},
		[]string{"result"},
	)

	// OrphansReaped counts RUNNING steps failed because their node vanished.
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "collector",
			Name:      "orphans_reaped_total",
			Help:      "RUNNING steps marked FAILED after their executor disappeared",
		},
	)

	// --- Scheduler Metrics ---

	// ScheduledSubmissions counts submissions fired by the scheduler.
	ScheduledSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sparkstep",
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Submissions pushed by cron schedules",
		},
		[]string{"schedule", "result"},
	)

	// SchedulerLeader is 1 while this replica holds the election.
	SchedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sparkstep",
			Subsystem: "scheduler",
			Name:      "is_leader",
			Help:      "Whether this scheduler replica is the elected leader",
		},
	)
)

// BreakerState mirrors resilience.CircuitState: 0 closed, 1 open, 2 half-open.
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sparkstep",
		Subsystem: "resilience",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0 closed, 1 open, 2 half-open)",
	},
	[]string{"breaker"},
)

// RecordStep records metrics for a finished step.
func RecordStep(status string, durationSeconds float64) {
	StepsTotal.WithLabelValues(status).Inc()
	StepDuration.WithLabelValues(status).Observe(durationSeconds)
}
