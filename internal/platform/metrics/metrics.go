package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_trigger_events_total",
		Help: "Total number of trigger events processed, labelled by event type.",
	}, []string{"trigger_event"})

	RulesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_evaluated_total",
		Help: "Total number of rule evaluations, labelled by rule type and outcome.",
	}, []string{"rule_type", "outcome"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_actions_executed_total",
		Help: "Total number of action intents executed, labelled by type and status.",
	}, []string{"action_type", "status"})

	VariableCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rules_variable_cache_hits_total",
		Help: "Total number of variable resolutions served from cache.",
	})

	VariableResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_variable_resolutions_total",
		Help: "Total number of variable resolutions, labelled by computation type and status.",
	}, []string{"computation_type", "status"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rules_evaluation_duration_ms",
		Help:    "Per-rule pipeline latency (resolve, evaluate, dispatch, record) in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	ChangeEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_change_events_emitted_total",
		Help: "Total number of change events emitted, labelled by change type.",
	}, []string{"change_type"})

	ChangeEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rules_change_events_delivered_total",
		Help: "Total number of change events handed to the delivery transport.",
	})
)
