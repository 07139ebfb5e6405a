package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_runs_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"definition_code"},
	)

	RunsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_runs_finished_total",
			Help: "Total number of workflow runs reaching a terminal state",
		},
		[]string{"definition_code", "status"},
	)

	StepsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_steps_executed_total",
			Help: "Total number of step attempts by step type",
		},
		[]string{"step_type"},
	)

	SignalNoopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_signal_noops_total",
			Help: "Signal deliveries that found no paused run to resume",
		},
		[]string{"signal"},
	)

	TimersProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_timers_processed_total",
			Help: "Due timers handled by the poller, by delivery outcome",
		},
		[]string{"outcome"},
	)

	CompensationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_compensation_actions_total",
			Help: "Compensation actions executed, by action type",
		},
		[]string{"action_type"},
	)

	IdempotencyReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_idempotency_replays_total",
			Help: "Requests answered from the idempotency cache",
		},
		[]string{"route"},
	)

	IdempotencyKeyReusesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_idempotency_key_reuses_total",
			Help: "Idempotency keys reused with a different request body",
		},
		[]string{"route"},
	)
)
