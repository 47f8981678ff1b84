/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package engine evaluates rules against entity state and fires their
// actions. Every firing decision passes the same gate sequence:
//
//  1. Cooldown — a recently fired rule sits out its cooldown window.
//  2. Circuit breaker — a rule in backoff or suspension is skipped
//     before its tree is evaluated, leaving its edge state untouched.
//  3. Edge trigger — the rule fires only on a false→true transition of
//     the root condition; a condition that stays true does not re-fire.
//
// Evaluation is bound to the batch's event time, not wall-clock, so
// hold durations stay faithful to when the change actually happened.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/actions"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/rulelog"
	"github.com/hearthside-labs/vigil/internal/rules"
)

// Outcome aggregates what one engine pass did.
type Outcome struct {
	// Evaluated counts rules whose condition tree was actually walked.
	Evaluated int `json:"evaluated"`
	// Fired counts rules whose actions ran.
	Fired int `json:"fired"`
	// Scheduled counts actions accepted for asynchronous delivery.
	Scheduled int `json:"scheduled"`
	// Errors counts rules that failed: an action returned a hard error
	// or the evaluation itself errored.
	Errors int `json:"errors"`

	SkippedCooldown  int `json:"skipped_cooldown"`
	SkippedEdge      int `json:"skipped_edge"`
	SkippedSuspended int `json:"skipped_suspended"`
}

// Add folds another outcome into this one.
func (o *Outcome) Add(other Outcome) {
	o.Evaluated += other.Evaluated
	o.Fired += other.Fired
	o.Scheduled += other.Scheduled
	o.Errors += other.Errors
	o.SkippedCooldown += other.SkippedCooldown
	o.SkippedEdge += other.SkippedEdge
	o.SkippedSuspended += other.SkippedSuspended
}

// Request is one engine pass: the rules to consider and the state they
// are judged against. Now is the batch's event time.
type Request struct {
	Rules   []rules.Rule
	States  map[string]string
	Now     time.Time
	Source  string
	BatchID string
}

// Config wires the engine's collaborators. Runtime and Executor are
// required; the rest may be nil, and the matching operators then
// evaluate to no-match.
type Config struct {
	Runtime    *rules.RuntimeStore
	Executor   *actions.Executor
	History    *rulelog.Store
	Bus        *events.Bus
	Detections rules.DetectionSource
	Alarm      rules.AlarmSource
	Policy     rules.Policy
	Log        *zap.Logger
}

// Engine runs rules. Concurrent Run calls are safe; work on the same
// rule is serialized by a per-rule lock so runtime updates never race.
type Engine struct {
	log        *zap.Logger
	runtime    *rules.RuntimeStore
	executor   *actions.Executor
	history    *rulelog.Store
	bus        *events.Bus
	detections rules.DetectionSource
	alarm      rules.AlarmSource
	policy     rules.Policy

	locks sync.Map // rule id → *sync.Mutex
}

// New creates an engine from the given config.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	policy := cfg.Policy
	if policy.Threshold == 0 {
		policy = rules.DefaultPolicy()
	}
	return &Engine{
		log:        log.Named("engine"),
		runtime:    cfg.Runtime,
		executor:   cfg.Executor,
		history:    cfg.History,
		bus:        cfg.Bus,
		detections: cfg.Detections,
		alarm:      cfg.Alarm,
		policy:     policy,
	}
}

// Run evaluates the given rules in priority order and returns the
// aggregate outcome. Rules never short-circuit each other: a failure in
// one leaves the rest untouched.
func (e *Engine) Run(ctx context.Context, req Request) Outcome {
	var out Outcome
	if len(req.Rules) == 0 {
		return out
	}

	ctx, span := otel.Tracer("vigil/engine").Start(ctx, "engine.run_rules")
	span.SetAttributes(
		attribute.String("batch.source", req.Source),
		attribute.Int("rules.count", len(req.Rules)),
	)
	defer span.End()

	ordered := make([]rules.Rule, len(req.Rules))
	copy(ordered, req.Rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for i := range ordered {
		out.Add(e.runOne(ctx, req, &ordered[i]))
	}

	span.SetAttributes(
		attribute.Int("rules.fired", out.Fired),
		attribute.Int("rules.errors", out.Errors),
	)
	return out
}

func (e *Engine) runOne(ctx context.Context, req Request, r *rules.Rule) Outcome {
	var out Outcome

	unlock := e.lockRule(r.ID)
	defer unlock()

	view, err := e.loadView(r.ID)
	if err != nil {
		e.log.Error("load rule runtime", zap.String("rule_id", r.ID), zap.Error(err))
		out.Errors++
		return out
	}
	root := view.rows[rules.RootNodeID]

	// Gate before evaluating. A skipped rule leaves its edge state
	// untouched, so a pending rising edge survives the cooldown and can
	// still fire on a later batch.
	if cd := r.Cooldown(); cd > 0 && root != nil && root.LastFiredAt != nil &&
		req.Now.Sub(*root.LastFiredAt) < cd {
		out.SkippedCooldown++
		return out
	}
	decision := e.policy.Allowed(root, req.Now)
	if decision.Denied() {
		out.SkippedSuspended++
		return out
	}

	out.Evaluated++
	cur, _, err := rules.Evaluate(r.Definition.When, &rules.EvalContext{
		Now:        req.Now,
		States:     req.States,
		Detections: e.detections,
		Alarm:      e.alarm,
		Runtime:    view,
	})
	if err != nil {
		out.Errors++
		e.recordFailure(view, r, req.Now, err.Error())
		return out
	}

	var prev *bool
	if root != nil {
		prev = root.LastWhenMatched
	}

	if !cur {
		if prev == nil || *prev {
			view.SetNode(rules.RootNodeID, false, req.Now)
		}
		e.flush(view, r.ID)
		return out
	}
	if prev != nil && *prev {
		out.SkippedEdge++
		// Still flush so nested hold nodes keep tracking.
		e.flush(view, r.ID)
		return out
	}

	// Rising edge.
	out.Fired++
	now := req.Now
	view.SetNode(rules.RootNodeID, true, now)
	root = view.ensure(rules.RootNodeID)
	root.LastFiredAt = &now
	view.dirty[rules.RootNodeID] = true

	results := e.executor.Run(ctx, r, "", r.Definition.Then)
	ok := true
	var firstErr string
	for _, res := range results {
		if res.Scheduled {
			out.Scheduled++
		}
		if !res.OK {
			ok = false
			if firstErr == "" {
				firstErr = res.Error
			}
		}
	}

	if ok {
		if decision == rules.DecisionAutoRecovery {
			e.log.Info("rule recovered", zap.String("rule_id", r.ID), zap.String("rule", r.Name))
		}
		e.policy.RecordSuccess(root)
	} else {
		out.Errors++
		wasSuspended := root.ErrorSuspended
		e.policy.RecordFailure(root, now, firstErr)
		if root.ErrorSuspended && !wasSuspended {
			e.announceSuspension(r, firstErr)
		}
	}
	view.dirty[rules.RootNodeID] = true
	e.flush(view, r.ID)

	if e.history != nil {
		entry := &rulelog.Entry{
			RuleID:   r.ID,
			RuleName: r.Name,
			BatchID:  req.BatchID,
			Source:   req.Source,
			FiredAt:  now,
			OK:       ok,
			Results:  results,
		}
		if err := e.history.Append(entry); err != nil {
			e.log.Warn("append rule log", zap.String("rule_id", r.ID), zap.Error(err))
		}
	}

	e.log.Info("rule fired",
		zap.String("rule_id", r.ID),
		zap.String("rule", r.Name),
		zap.Bool("ok", ok),
		zap.Int("actions", len(results)))
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.RuleFired,
			Subject: r.ID,
			Summary: "rule fired: " + r.Name,
		})
	}
	return out
}

// recordFailure books an evaluation failure against the rule-level row.
// Staged hold updates from the aborted walk are discarded.
func (e *Engine) recordFailure(view *storeView, r *rules.Rule, now time.Time, msg string) {
	root := view.ensure(rules.RootNodeID)
	wasSuspended := root.ErrorSuspended
	e.policy.RecordFailure(root, now, msg)
	root.UpdatedAt = time.Time{}
	if err := e.runtime.Save(root); err != nil {
		e.log.Error("save rule runtime", zap.String("rule_id", r.ID), zap.Error(err))
	}
	if root.ErrorSuspended && !wasSuspended {
		e.announceSuspension(r, msg)
	}
	e.log.Warn("rule evaluation failed",
		zap.String("rule_id", r.ID),
		zap.String("rule", r.Name),
		zap.String("error", msg),
		zap.Int("consecutive_failures", root.ConsecutiveFailures))
}

func (e *Engine) announceSuspension(r *rules.Rule, msg string) {
	e.log.Warn("rule suspended",
		zap.String("rule_id", r.ID),
		zap.String("rule", r.Name),
		zap.String("error", msg))
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.RuleSuspended,
			Subject: r.ID,
			Summary: "rule suspended: " + r.Name,
			Detail:  map[string]any{"error": msg},
		})
	}
}

func (e *Engine) flush(view *storeView, ruleID string) {
	if err := view.flush(e.runtime); err != nil {
		e.log.Error("flush rule runtime", zap.String("rule_id", ruleID), zap.Error(err))
	}
}

func (e *Engine) lockRule(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// storeView is the staged runtime view for one rule's evaluation. Rows
// are loaded once, mutated in memory and flushed in one transaction, so
// a rule's post-evaluation state lands atomically.
type storeView struct {
	ruleID string
	rows   map[string]*rules.RuntimeState
	dirty  map[string]bool
}

func (e *Engine) loadView(ruleID string) (*storeView, error) {
	rows, err := e.runtime.ForRule(ruleID)
	if err != nil {
		return nil, err
	}
	return &storeView{ruleID: ruleID, rows: rows, dirty: map[string]bool{}}, nil
}

func (v *storeView) Node(nodeID string) (*bool, *time.Time) {
	row := v.rows[nodeID]
	if row == nil {
		return nil, nil
	}
	return row.LastWhenMatched, row.LastWhenTransitionAt
}

func (v *storeView) SetNode(nodeID string, matched bool, at time.Time) {
	row := v.ensure(nodeID)
	changed := row.LastWhenMatched == nil || *row.LastWhenMatched != matched ||
		row.LastWhenTransitionAt == nil || !row.LastWhenTransitionAt.Equal(at)
	m := matched
	t := at
	row.LastWhenMatched = &m
	row.LastWhenTransitionAt = &t
	if changed {
		v.dirty[nodeID] = true
	}
}

func (v *storeView) ensure(nodeID string) *rules.RuntimeState {
	row := v.rows[nodeID]
	if row == nil {
		row = &rules.RuntimeState{RuleID: v.ruleID, NodeID: nodeID}
		v.rows[nodeID] = row
	}
	return row
}

func (v *storeView) flush(store *rules.RuntimeStore) error {
	if len(v.dirty) == 0 {
		return nil
	}
	batch := make([]*rules.RuntimeState, 0, len(v.dirty))
	for nodeID := range v.dirty {
		row := v.rows[nodeID]
		row.UpdatedAt = time.Time{}
		batch = append(batch, row)
	}
	v.dirty = map[string]bool{}
	return store.SaveAll(batch)
}
