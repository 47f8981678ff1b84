/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/rules"
)

// SimulationRequest is a dry-run evaluation against hypothetical state.
// Nothing is persisted and no actions run.
type SimulationRequest struct {
	Rules  []rules.Rule
	States map[string]string
	// AssumeForSeconds, when set, pretends every hold condition has
	// already been true for that many seconds.
	AssumeForSeconds *int
	// AlarmState, when set, overrides the live alarm state.
	AlarmState *alarm.State
}

// SimulationResult is one rule's dry-run verdict with its full trace.
type SimulationResult struct {
	RuleID  string       `json:"rule_id"`
	Name    string       `json:"name"`
	Matched bool         `json:"matched"`
	Error   string       `json:"error,omitempty"`
	Trace   *rules.Trace `json:"trace,omitempty"`
}

// Simulate evaluates each rule's condition tree against the supplied
// states. Cooldown, breaker and edge gates are not applied: the answer
// is "does the condition match", not "would the rule fire right now".
func (e *Engine) Simulate(ctx context.Context, req SimulationRequest) []SimulationResult {
	_, span := otel.Tracer("vigil/engine").Start(ctx, "engine.simulate")
	span.SetAttributes(attribute.Int("rules.count", len(req.Rules)))
	defer span.End()

	now := time.Now().UTC()
	var assume *time.Duration
	if req.AssumeForSeconds != nil && *req.AssumeForSeconds > 0 {
		d := time.Duration(*req.AssumeForSeconds) * time.Second
		assume = &d
	}
	alarmSrc := e.alarm
	if req.AlarmState != nil {
		alarmSrc = fixedAlarm(*req.AlarmState)
	}

	results := make([]SimulationResult, 0, len(req.Rules))
	for i := range req.Rules {
		r := &req.Rules[i]
		view := &simView{assume: assume, now: now, staged: map[string]simNode{}}
		if assume == nil && e.runtime != nil {
			// Read through to the stored hold state so the dry run
			// reflects actual transition progress. Writes stay staged.
			if rows, err := e.runtime.ForRule(r.ID); err == nil {
				view.base = rows
			}
		}
		matched, trace, err := rules.Evaluate(r.Definition.When, &rules.EvalContext{
			Now:        now,
			States:     req.States,
			Detections: e.detections,
			Alarm:      alarmSrc,
			Runtime:    view,
		})
		res := SimulationResult{RuleID: r.ID, Name: r.Name, Matched: matched, Trace: trace}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

type fixedAlarm alarm.State

func (f fixedAlarm) CurrentState() alarm.State { return alarm.State(f) }

// simView never touches the runtime store. With assume set it reports
// every node as matched since now−assume; otherwise it reads the loaded
// rows and stages writes in memory where they are discarded.
type simView struct {
	assume *time.Duration
	now    time.Time
	base   map[string]*rules.RuntimeState
	staged map[string]simNode
}

type simNode struct {
	matched bool
	at      time.Time
}

func (v *simView) Node(nodeID string) (*bool, *time.Time) {
	if v.assume != nil {
		m := true
		at := v.now.Add(-*v.assume)
		return &m, &at
	}
	if s, ok := v.staged[nodeID]; ok {
		return &s.matched, &s.at
	}
	if row := v.base[nodeID]; row != nil {
		return row.LastWhenMatched, row.LastWhenTransitionAt
	}
	return nil, nil
}

func (v *simView) SetNode(nodeID string, matched bool, at time.Time) {
	v.staged[nodeID] = simNode{matched: matched, at: at}
}
