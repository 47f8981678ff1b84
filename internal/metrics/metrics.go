/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the vigil controller.
//
// All metrics are registered with the default registry and served on the
// /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - vigil_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SubmitsTotal counts dispatcher submits by integration source.
	SubmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_submits_total",
			Help: "Total entity change submits by source.",
		},
		[]string{"source"},
	)

	// BatchesTotal counts dispatched batches by source.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_batches_total",
			Help: "Total batches dispatched to the rules engine by source.",
		},
		[]string{"source"},
	)

	// BatchesDroppedTotal counts batches dropped under queue overload.
	BatchesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_batches_dropped_total",
			Help: "Total batches dropped because the dispatch queue was full.",
		},
	)

	// RateLimitedTotal counts batch dispatch attempts deferred by the
	// token buckets, by source.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rate_limited_total",
			Help: "Total batch dispatches deferred by rate limiting.",
		},
		[]string{"source"},
	)

	// BatchDispatchSeconds is a histogram of batch dispatch duration.
	BatchDispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_batch_dispatch_seconds",
			Help:    "Duration of batch dispatches in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"source"},
	)

	// QueueDepth is the current depth of the dispatch queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_dispatch_queue_depth",
			Help: "Number of batches waiting in the dispatch queue.",
		},
	)

	// RulesEvaluatedTotal counts condition trees walked.
	RulesEvaluatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_rules_evaluated_total",
			Help: "Total rule condition evaluations.",
		},
	)

	// RulesFiredTotal counts rule firings.
	RulesFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_rules_fired_total",
			Help: "Total rule firings.",
		},
	)

	// RuleErrorsTotal counts failed rules: evaluation errors and firings
	// with at least one hard action error.
	RuleErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_rule_errors_total",
			Help: "Total rule evaluation and action failures.",
		},
	)

	// RulesSkippedTotal counts skipped rules by reason.
	RulesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rules_skipped_total",
			Help: "Total rules skipped before firing, by reason.",
		},
		[]string{"reason"},
	)

	// ActionsTotal counts executed actions by type and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_actions_total",
			Help: "Total executed rule actions by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// AlarmState is a one-hot gauge of the current alarm state.
	AlarmState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_alarm_state",
			Help: "Current alarm state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)

	// WebsocketClients is the number of connected websocket clients.
	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_websocket_clients",
			Help: "Number of connected websocket clients.",
		},
	)

	// BroadcastsTotal counts broadcast messages by type.
	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_broadcasts_total",
			Help: "Total broadcast messages by message type.",
		},
		[]string{"type"},
	)

	// IntegrationUp reports per-integration connectivity.
	IntegrationUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_integration_up",
			Help: "Integration connectivity (1 connected, 0 disconnected).",
		},
		[]string{"integration"},
	)
)

func init() {
	prometheus.MustRegister(
		SubmitsTotal,
		BatchesTotal,
		BatchesDroppedTotal,
		RateLimitedTotal,
		BatchDispatchSeconds,
		QueueDepth,
		RulesEvaluatedTotal,
		RulesFiredTotal,
		RuleErrorsTotal,
		RulesSkippedTotal,
		ActionsTotal,
		AlarmState,
		WebsocketClients,
		BroadcastsTotal,
		IntegrationUp,
	)
}

// RecordBatchDispatched records one dispatched batch and its duration.
func RecordBatchDispatched(source string, duration time.Duration) {
	BatchesTotal.WithLabelValues(source).Inc()
	BatchDispatchSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordOutcome folds one engine pass into the rule counters.
func RecordOutcome(evaluated, fired, errors, skippedCooldown, skippedEdge, skippedSuspended int) {
	RulesEvaluatedTotal.Add(float64(evaluated))
	RulesFiredTotal.Add(float64(fired))
	RuleErrorsTotal.Add(float64(errors))
	RulesSkippedTotal.WithLabelValues("cooldown").Add(float64(skippedCooldown))
	RulesSkippedTotal.WithLabelValues("edge").Add(float64(skippedEdge))
	RulesSkippedTotal.WithLabelValues("suspended").Add(float64(skippedSuspended))
}

// RecordAction records a single executed action.
func RecordAction(actionType string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	ActionsTotal.WithLabelValues(actionType, outcome).Inc()
}

// RecordAlarmState sets the one-hot alarm state gauge.
func RecordAlarmState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		AlarmState.WithLabelValues(s).Set(v)
	}
}

// RecordIntegration sets an integration's connectivity gauge.
func RecordIntegration(name string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	IntegrationUp.WithLabelValues(name).Set(v)
}
