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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthside-labs/vigil/internal/actions"
	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/rulelog"
	"github.com/hearthside-labs/vigil/internal/rules"
)

// siren is the test action handler: it records which rule invoked it
// and fails on demand.
type siren struct {
	fail  bool
	calls []string
}

func (s *siren) registry() *actions.Registry {
	reg := actions.NewRegistry()
	reg.Register("siren", func(ctx context.Context, a rules.Action, env *actions.Env) (map[string]any, error) {
		s.calls = append(s.calls, env.Rule.ID)
		if s.fail {
			return nil, errors.New("siren offline")
		}
		return map[string]any{"sounded": true}, nil
	})
	reg.Register("pager", func(ctx context.Context, a rules.Action, env *actions.Env) (map[string]any, error) {
		return map[string]any{"scheduled": true}, nil
	})
	return reg
}

func newTestEngine(t *testing.T, policy rules.Policy, reg *actions.Registry) (*Engine, *rules.RuntimeStore, *rulelog.Store) {
	t.Helper()
	dir := t.TempDir()
	rt, err := rules.NewRuntimeStore(filepath.Join(dir, "runtime.db"))
	if err != nil {
		t.Fatalf("runtime store: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	hist, err := rulelog.NewStore(filepath.Join(dir, "rulelog.db"))
	if err != nil {
		t.Fatalf("rulelog store: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	e := New(Config{
		Runtime:  rt,
		Executor: actions.NewExecutor(reg, actions.Gateways{}, nil),
		History:  hist,
		Policy:   policy,
	})
	return e, rt, hist
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func contactRule(id string, priority int, cooldown *int) rules.Rule {
	def := rules.Definition{
		When: &rules.Node{Op: rules.OpEntityState, EntityID: "binary_sensor.front_door", Equals: strPtr("on")},
		Then: []rules.Action{{Type: "siren"}},
	}
	rules.AssignNodeIDs(def.When)
	return rules.Rule{
		ID:              id,
		Name:            id,
		Kind:            rules.KindTrigger,
		Enabled:         true,
		Priority:        priority,
		CooldownSeconds: cooldown,
		Definition:      def,
	}
}

func holdRule(id string, seconds int) rules.Rule {
	def := rules.Definition{
		When: &rules.Node{
			Op:      rules.OpFor,
			Seconds: intPtr(seconds),
			Child:   &rules.Node{Op: rules.OpEntityState, EntityID: "binary_sensor.front_door", Equals: strPtr("on")},
		},
		Then: []rules.Action{{Type: "siren"}},
	}
	rules.AssignNodeIDs(def.When)
	return rules.Rule{ID: id, Name: id, Kind: rules.KindTrigger, Enabled: true, Definition: def}
}

func runBatch(e *Engine, r rules.Rule, door string, now time.Time) Outcome {
	return e.Run(context.Background(), Request{
		Rules:   []rules.Rule{r},
		States:  map[string]string{"binary_sensor.front_door": door},
		Now:     now,
		Source:  "test",
		BatchID: "batch-1",
	})
}

func TestEdgeTriggeredFiring(t *testing.T) {
	s := &siren{}
	e, rt, _ := newTestEngine(t, rules.Policy{}, s.registry())
	r := contactRule("contact", 0, nil)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	out := runBatch(e, r, "on", t0)
	if out.Fired != 1 || out.Evaluated != 1 {
		t.Fatalf("first batch = %+v, want fired=1 evaluated=1", out)
	}

	out = runBatch(e, r, "on", t0.Add(time.Second))
	if out.Fired != 0 || out.SkippedEdge != 1 {
		t.Fatalf("repeat batch = %+v, want fired=0 skipped_edge=1", out)
	}

	out = runBatch(e, r, "off", t0.Add(2*time.Second))
	if out.Fired != 0 || out.SkippedEdge != 0 || out.Evaluated != 1 {
		t.Fatalf("falling batch = %+v, want a plain evaluation", out)
	}

	out = runBatch(e, r, "on", t0.Add(3*time.Second))
	if out.Fired != 1 {
		t.Fatalf("second rising edge = %+v, want fired=1", out)
	}
	if len(s.calls) != 2 {
		t.Fatalf("siren sounded %d times, want 2", len(s.calls))
	}

	row, err := rt.Get("contact", rules.RootNodeID)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if row.LastWhenMatched == nil || !*row.LastWhenMatched {
		t.Errorf("last_when_matched = %v, want true", row.LastWhenMatched)
	}
	if row.LastFiredAt == nil || !row.LastFiredAt.Equal(t0.Add(3*time.Second)) {
		t.Errorf("last_fired_at = %v, want %v", row.LastFiredAt, t0.Add(3*time.Second))
	}
}

func TestCooldownSkipsWithoutEvaluating(t *testing.T) {
	s := &siren{}
	e, rt, _ := newTestEngine(t, rules.Policy{}, s.registry())
	r := contactRule("contact", 0, intPtr(60))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fired := now.Add(-30 * time.Second)
	if err := rt.Save(&rules.RuntimeState{RuleID: "contact", NodeID: rules.RootNodeID, LastFiredAt: &fired}); err != nil {
		t.Fatalf("seed runtime: %v", err)
	}

	out := runBatch(e, r, "on", now)
	if out.SkippedCooldown != 1 || out.Fired != 0 || out.Evaluated != 0 {
		t.Fatalf("in cooldown = %+v, want skipped_cooldown=1 and no evaluation", out)
	}
	row, err := rt.Get("contact", rules.RootNodeID)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if row.LastWhenMatched != nil {
		t.Fatalf("cooldown skip wrote matched=%v, want untouched", *row.LastWhenMatched)
	}

	fired = now.Add(-120 * time.Second)
	if err := rt.Save(&rules.RuntimeState{RuleID: "contact", NodeID: rules.RootNodeID, LastFiredAt: &fired}); err != nil {
		t.Fatalf("reseed runtime: %v", err)
	}
	out = runBatch(e, r, "on", now)
	if out.Fired != 1 {
		t.Fatalf("after cooldown = %+v, want fired=1", out)
	}
}

func TestForHoldUsesEventTime(t *testing.T) {
	s := &siren{}
	e, rt, _ := newTestEngine(t, rules.Policy{}, s.registry())
	r := holdRule("hold", 30)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	out := runBatch(e, r, "on", t0)
	if out.Fired != 0 || out.Evaluated != 1 {
		t.Fatalf("at t0 = %+v, want no fire", out)
	}
	child, err := rt.Get("hold", "when.0")
	if err != nil {
		t.Fatalf("load child runtime: %v", err)
	}
	if child.LastWhenTransitionAt == nil || !child.LastWhenTransitionAt.Equal(t0) {
		t.Fatalf("child transition = %v, want %v", child.LastWhenTransitionAt, t0)
	}

	out = runBatch(e, r, "on", t0.Add(10*time.Second))
	if out.Fired != 0 {
		t.Fatalf("at t0+10s = %+v, want no fire", out)
	}

	out = runBatch(e, r, "on", t0.Add(31*time.Second))
	if out.Fired != 1 {
		t.Fatalf("at t0+31s = %+v, want fired=1", out)
	}
}

func TestFailingActionsOpenTheBreaker(t *testing.T) {
	s := &siren{fail: true}
	policy := rules.Policy{
		Backoff:      []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second},
		Threshold:    3,
		AutoRecovery: time.Hour,
	}
	e, rt, hist := newTestEngine(t, policy, s.registry())
	r := contactRule("flaky", 0, nil)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	out := runBatch(e, r, "on", t0)
	if out.Fired != 1 || out.Errors != 1 {
		t.Fatalf("first failure = %+v, want fired=1 errors=1", out)
	}

	// Inside the 5s backoff window nothing is evaluated.
	out = runBatch(e, r, "on", t0.Add(2*time.Second))
	if out.SkippedSuspended != 1 || out.Evaluated != 0 {
		t.Fatalf("in backoff = %+v, want skipped_suspended=1", out)
	}

	// Reset the edge after the backoff expires, then fail twice more.
	runBatch(e, r, "off", t0.Add(6*time.Second))
	runBatch(e, r, "on", t0.Add(7*time.Second))
	runBatch(e, r, "off", t0.Add(23*time.Second))
	out = runBatch(e, r, "on", t0.Add(24*time.Second))
	if out.Fired != 1 || out.Errors != 1 {
		t.Fatalf("third failure = %+v, want fired=1 errors=1", out)
	}

	row, err := rt.Get("flaky", rules.RootNodeID)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if !row.ErrorSuspended {
		t.Fatal("rule not suspended after third consecutive failure")
	}
	if row.ConsecutiveFailures != 3 {
		t.Errorf("consecutive_failures = %d, want 3", row.ConsecutiveFailures)
	}
	wantNext := t0.Add(24 * time.Second).Add(time.Hour)
	if row.NextAllowedAt == nil || !row.NextAllowedAt.Equal(wantNext) {
		t.Errorf("next_allowed_at = %v, want %v", row.NextAllowedAt, wantNext)
	}

	out = runBatch(e, r, "on", t0.Add(60*time.Second))
	if out.SkippedSuspended != 1 {
		t.Fatalf("while suspended = %+v, want skipped_suspended=1", out)
	}

	// After the recovery window the rule evaluates again. The stale true
	// edge is cleared by an off batch, then the probe firing succeeds
	// and resets the breaker.
	s.fail = false
	probe := wantNext.Add(10 * time.Second)
	runBatch(e, r, "off", probe)
	out = runBatch(e, r, "on", probe.Add(time.Second))
	if out.Fired != 1 || out.Errors != 0 {
		t.Fatalf("recovery probe = %+v, want a clean firing", out)
	}
	row, err = rt.Get("flaky", rules.RootNodeID)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if row.ErrorSuspended || row.ConsecutiveFailures != 0 || row.NextAllowedAt != nil {
		t.Errorf("breaker not reset: %+v", row)
	}

	entries, err := hist.ListForRule("flaky", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("history has %d entries, want 4", len(entries))
	}
	if entries[0].OK != true {
		t.Errorf("newest entry ok = %v, want true", entries[0].OK)
	}
}

func TestEvaluationErrorRecordsFailure(t *testing.T) {
	s := &siren{}
	e, rt, hist := newTestEngine(t, rules.Policy{}, s.registry())

	def := rules.Definition{
		When: &rules.Node{
			Op:               rules.OpFrigatePersonDetected,
			Cameras:          []string{"backyard"},
			WithinSeconds:    intPtr(30),
			MinConfidencePct: intPtr(90),
			OnUnavailable:    rules.OnUnavailableError,
		},
		Then: []rules.Action{{Type: "siren"}},
	}
	rules.AssignNodeIDs(def.When)
	r := rules.Rule{ID: "cam", Name: "cam", Enabled: true, Definition: def}

	out := e.Run(context.Background(), Request{Rules: []rules.Rule{r}, Now: time.Now().UTC()})
	if out.Errors != 1 || out.Evaluated != 1 || out.Fired != 0 {
		t.Fatalf("outcome = %+v, want errors=1 evaluated=1", out)
	}

	row, err := rt.Get("cam", rules.RootNodeID)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if row.ConsecutiveFailures != 1 || row.LastError == "" || row.NextAllowedAt == nil {
		t.Errorf("failure not booked: %+v", row)
	}
	if len(s.calls) != 0 {
		t.Errorf("actions ran despite evaluation error")
	}
	entries, err := hist.ListRecent(10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("evaluation error logged as a firing")
	}
}

func TestPriorityOrdersExecution(t *testing.T) {
	s := &siren{}
	e, _, _ := newTestEngine(t, rules.Policy{}, s.registry())
	low := contactRule("low", 1, nil)
	high := contactRule("high", 9, nil)

	out := e.Run(context.Background(), Request{
		Rules:  []rules.Rule{low, high},
		States: map[string]string{"binary_sensor.front_door": "on"},
		Now:    time.Now().UTC(),
	})
	if out.Fired != 2 {
		t.Fatalf("outcome = %+v, want fired=2", out)
	}
	if len(s.calls) != 2 || s.calls[0] != "high" || s.calls[1] != "low" {
		t.Fatalf("execution order = %v, want [high low]", s.calls)
	}
}

func TestScheduledActionsAreCounted(t *testing.T) {
	s := &siren{}
	e, _, _ := newTestEngine(t, rules.Policy{}, s.registry())
	r := contactRule("notify", 0, nil)
	r.Definition.Then = []rules.Action{{Type: "pager"}}

	out := runBatch(e, r, "on", time.Now().UTC())
	if out.Fired != 1 || out.Scheduled != 1 || out.Errors != 0 {
		t.Fatalf("outcome = %+v, want fired=1 scheduled=1", out)
	}
}

func TestSimulateDoesNotPersist(t *testing.T) {
	s := &siren{}
	e, rt, _ := newTestEngine(t, rules.Policy{}, s.registry())
	r := holdRule("hold", 30)
	states := map[string]string{"binary_sensor.front_door": "on"}

	res := e.Simulate(context.Background(), SimulationRequest{Rules: []rules.Rule{r}, States: states})
	if len(res) != 1 || res[0].Matched {
		t.Fatalf("fresh hold = %+v, want matched=false", res)
	}
	if res[0].Trace == nil || res[0].Trace.Op != rules.OpFor {
		t.Fatalf("trace = %+v, want a for node trace", res[0].Trace)
	}

	res = e.Simulate(context.Background(), SimulationRequest{
		Rules:            []rules.Rule{r},
		States:           states,
		AssumeForSeconds: intPtr(60),
	})
	if !res[0].Matched {
		t.Fatalf("assumed hold = %+v, want matched=true", res[0])
	}

	rows, err := rt.ForRule("hold")
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("simulate persisted %d runtime rows", len(rows))
	}
	if len(s.calls) != 0 {
		t.Fatal("simulate ran actions")
	}
}

func TestSimulateAlarmOverride(t *testing.T) {
	s := &siren{}
	e, _, _ := newTestEngine(t, rules.Policy{}, s.registry())

	def := rules.Definition{
		When: &rules.Node{Op: rules.OpAlarmStateIn, States: []string{string(alarm.StateArmedAway)}},
		Then: []rules.Action{{Type: "siren"}},
	}
	rules.AssignNodeIDs(def.When)
	r := rules.Rule{ID: "armed", Name: "armed", Enabled: true, Definition: def}

	res := e.Simulate(context.Background(), SimulationRequest{Rules: []rules.Rule{r}})
	if res[0].Matched {
		t.Fatalf("no alarm source = %+v, want matched=false", res[0])
	}

	armed := alarm.StateArmedAway
	res = e.Simulate(context.Background(), SimulationRequest{Rules: []rules.Rule{r}, AlarmState: &armed})
	if !res[0].Matched {
		t.Fatalf("override = %+v, want matched=true", res[0])
	}
}
