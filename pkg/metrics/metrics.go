package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_agents_total",
			Help: "Total number of agents by role and status",
		},
		[]string{"role", "status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	LeasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_leases_total",
			Help: "Total number of tasks currently leased to a running run",
		},
	)

	// Pipeline metrics
	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_executed_total",
			Help: "Total number of task runs completed by terminal outcome",
		},
		[]string{"outcome"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_task_execution_duration_seconds",
			Help:    "End-to-end duration of a task run, from lease to finalize",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"role"},
	)

	ExecutorRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_executor_run_duration_seconds",
			Help:    "Time spent inside the executor subprocess per run",
			Buckets: prometheus.DefBuckets,
		},
	)

	VerificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_verification_duration_seconds",
			Help:    "Time taken by the verification engine to classify a run",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery metrics
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_recovery_attempts_total",
			Help: "Total recovery attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	RecoveryExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_recovery_exhausted_total",
			Help: "Total times a recovery mode's attempt budget was exhausted",
		},
		[]string{"mode"},
	)

	// Policy judge metrics
	PolicyJudgeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_policy_judge_duration_seconds",
			Help:    "Time taken for the policy recovery judge to return a decision",
			Buckets: prometheus.DefBuckets,
		},
	)

	PolicyJudgeDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_policy_judge_decisions_total",
			Help: "Total policy recovery judge decisions by action",
		},
		[]string{"action"},
	)

	PolicyJudgeCircuitOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_policy_judge_circuit_open_total",
			Help: "Total times the policy judge circuit breaker tripped open",
		},
	)

	// Queue / lock metrics
	QueuePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_queue_polls_total",
			Help: "Total queue poll attempts by result",
		},
		[]string{"result"},
	)

	LockReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_lock_reclaims_total",
			Help: "Total times a stale task lock was reclaimed from a dead PID",
		},
	)

	// Heartbeat metrics
	AgentHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_agent_heartbeats_total",
			Help: "Total heartbeat writes emitted by this agent process",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(LeasesTotal)
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(ExecutorRunDuration)
	prometheus.MustRegister(VerificationDuration)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(RecoveryExhaustedTotal)
	prometheus.MustRegister(PolicyJudgeDuration)
	prometheus.MustRegister(PolicyJudgeDecisionsTotal)
	prometheus.MustRegister(PolicyJudgeCircuitOpenTotal)
	prometheus.MustRegister(QueuePollsTotal)
	prometheus.MustRegister(LockReclaimsTotal)
	prometheus.MustRegister(AgentHeartbeatsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
