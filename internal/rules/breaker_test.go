package rules

import (
	"testing"
	"time"
)

func TestBackoffScheduleProgression(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rt := &RuntimeState{RuleID: "r1", NodeID: RootNodeID}

	want := []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second}
	for i, d := range want {
		p.RecordFailure(rt, now, "boom")
		if rt.ConsecutiveFailures != i+1 {
			t.Fatalf("failures = %d, want %d", rt.ConsecutiveFailures, i+1)
		}
		if rt.ErrorSuspended {
			t.Fatalf("suspended after %d failures, threshold is %d", i+1, p.Threshold)
		}
		if got := rt.NextAllowedAt.Sub(now); got != d {
			t.Fatalf("backoff after failure %d = %v, want %v", i+1, got, d)
		}
	}
}

func TestThresholdOpensBreaker(t *testing.T) {
	p := DefaultPolicy()
	p.Threshold = 3
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rt := &RuntimeState{RuleID: "r1", NodeID: RootNodeID}

	p.RecordFailure(rt, now, "one")
	p.RecordFailure(rt, now, "two")
	if rt.ErrorSuspended {
		t.Fatal("breaker opened before the threshold")
	}
	p.RecordFailure(rt, now, "three")
	if !rt.ErrorSuspended {
		t.Fatal("breaker should open at the threshold")
	}
	if got := rt.NextAllowedAt.Sub(now); got != p.AutoRecovery {
		t.Errorf("recovery window = %v, want %v", got, p.AutoRecovery)
	}
	if rt.LastError != "three" {
		t.Errorf("last_error = %q", rt.LastError)
	}
}

func TestAllowedDecisions(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	if got := p.Allowed(nil, now); got != DecisionAllowed {
		t.Errorf("nil runtime = %v, want allowed", got)
	}
	if got := p.Allowed(&RuntimeState{}, now); got != DecisionAllowed {
		t.Errorf("fresh runtime = %v, want allowed", got)
	}

	soon := now.Add(time.Minute)
	if got := p.Allowed(&RuntimeState{NextAllowedAt: &soon}, now); got != DecisionBackoff {
		t.Errorf("future next_allowed_at = %v, want backoff", got)
	}
	past := now.Add(-time.Minute)
	if got := p.Allowed(&RuntimeState{NextAllowedAt: &past}, now); got != DecisionAllowed {
		t.Errorf("expired backoff = %v, want allowed", got)
	}

	if got := p.Allowed(&RuntimeState{ErrorSuspended: true, NextAllowedAt: &soon}, now); got != DecisionSuspended {
		t.Errorf("open breaker = %v, want suspended", got)
	}
	if got := p.Allowed(&RuntimeState{ErrorSuspended: true, NextAllowedAt: &past}, now); got != DecisionAutoRecovery {
		t.Errorf("expired recovery window = %v, want auto_recovery", got)
	}

	if DecisionBackoff.Denied() != true || DecisionSuspended.Denied() != true {
		t.Error("backoff and suspended should deny")
	}
	if DecisionAllowed.Denied() || DecisionAutoRecovery.Denied() {
		t.Error("allowed and auto_recovery should not deny")
	}
}

func TestRecoveryProbeFailureResuspends(t *testing.T) {
	p := DefaultPolicy()
	p.Threshold = 3
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rt := &RuntimeState{RuleID: "r1", NodeID: RootNodeID}

	for i := 0; i < 3; i++ {
		p.RecordFailure(rt, now, "boom")
	}
	later := now.Add(p.AutoRecovery + time.Minute)
	if got := p.Allowed(rt, later); got != DecisionAutoRecovery {
		t.Fatalf("decision = %v, want auto_recovery", got)
	}

	// The probe fails: the breaker stays open with a fresh window.
	p.RecordFailure(rt, later, "still broken")
	if !rt.ErrorSuspended {
		t.Fatal("failed probe should re-suspend")
	}
	if got := rt.NextAllowedAt.Sub(later); got != p.AutoRecovery {
		t.Errorf("fresh window = %v, want %v", got, p.AutoRecovery)
	}
}

func TestRecordSuccessResets(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rt := &RuntimeState{RuleID: "r1", NodeID: RootNodeID}

	for i := 0; i < p.Threshold; i++ {
		p.RecordFailure(rt, now, "boom")
	}
	p.RecordSuccess(rt)

	if rt.ConsecutiveFailures != 0 || rt.ErrorSuspended || rt.NextAllowedAt != nil || rt.LastError != "" {
		t.Errorf("success did not clear failure state: %+v", rt)
	}
	if got := p.Allowed(rt, now); got != DecisionAllowed {
		t.Errorf("decision after success = %v, want allowed", got)
	}
}

func TestLongTailUsesLastBackoffStep(t *testing.T) {
	p := DefaultPolicy()
	p.Threshold = 50
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rt := &RuntimeState{RuleID: "r1", NodeID: RootNodeID}

	for i := 0; i < 10; i++ {
		p.RecordFailure(rt, now, "boom")
	}
	if got := rt.NextAllowedAt.Sub(now); got != 1800*time.Second {
		t.Errorf("long-tail backoff = %v, want 1800s", got)
	}
}
