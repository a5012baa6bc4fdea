/*
Package metrics provides Prometheus metrics collection and exposition for the
worker runtime.

Metrics are defined and registered at package init using the Prometheus client
library and exposed via an HTTP handler for scraping.

# Metrics Catalog

Only the fleet gauges are updated inside this module. The pipeline, recovery,
policy judge, and queue/lock metrics below are registered and exported, but no
package here increments or observes them.

Fleet gauges (polled by Collector every 15s from the Store):

  - worker_agents_total{role,status}: agent count by role and status
  - worker_tasks_total{status}: task count by status
  - worker_leases_total: tasks currently leased to a running run

Pipeline metrics:

  - worker_tasks_executed_total{outcome}: terminal run outcomes
  - worker_task_execution_duration_seconds{role}: lease-to-finalize duration
  - worker_executor_run_duration_seconds: time inside the executor subprocess
  - worker_verification_duration_seconds: verification engine classification time

Recovery metrics:

  - worker_recovery_attempts_total{mode,outcome}
  - worker_recovery_exhausted_total{mode}

Policy judge metrics:

  - worker_policy_judge_duration_seconds
  - worker_policy_judge_decisions_total{action}
  - worker_policy_judge_circuit_open_total

Queue / lock metrics:

  - worker_queue_polls_total{result}
  - worker_lock_reclaims_total
  - worker_agent_heartbeats_total

# Usage

	import "github.com/opentiger/worker-runtime/pkg/metrics"

	metrics.TasksExecuted.WithLabelValues("success").Inc()

	timer := metrics.NewTimer()
	// ... run verification ...
	timer.ObserveDuration(metrics.VerificationDuration)

	http.Handle("/metrics", metrics.Handler())

# Health and readiness

health.go exposes a process-local health registry independent of the
Prometheus registry: components register themselves healthy/unhealthy by
name, and GetReadiness treats "store", "queue", and "executor" as critical —
a worker process isn't ready to claim tasks until all three report healthy.
*/
package metrics
