package rules

import "time"

// Decision is the outcome of the pre-fire gate for one rule.
type Decision string

const (
	// DecisionAllowed means the rule may fire.
	DecisionAllowed Decision = "allowed"
	// DecisionAutoRecovery means the rule is suspended but its recovery
	// window has passed; the caller should let one probe firing through.
	DecisionAutoRecovery Decision = "auto_recovery"
	// DecisionBackoff means a recent failure is still being backed off.
	DecisionBackoff Decision = "backoff"
	// DecisionSuspended means the circuit breaker is open.
	DecisionSuspended Decision = "suspended"
)

// Denied reports whether the decision blocks firing.
func (d Decision) Denied() bool {
	return d == DecisionBackoff || d == DecisionSuspended
}

// Policy holds the failure-handling knobs shared by every rule.
type Policy struct {
	// Backoff is applied after each failure below the threshold,
	// indexed by how many failures have accumulated.
	Backoff []time.Duration
	// Threshold is the consecutive-failure count that opens the
	// breaker.
	Threshold int
	// AutoRecovery is how long an open breaker stays closed to
	// firings before a probe is allowed.
	AutoRecovery time.Duration
}

// DefaultPolicy returns the stock failure policy.
func DefaultPolicy() Policy {
	return Policy{
		Backoff: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			60 * time.Second,
			300 * time.Second,
			1800 * time.Second,
		},
		Threshold:    5,
		AutoRecovery: time.Hour,
	}
}

// Allowed gates a firing against the rule's runtime state. Cooldown is
// not part of this check; callers handle it separately so the two skip
// reasons stay distinguishable.
func (p Policy) Allowed(rt *RuntimeState, now time.Time) Decision {
	if rt == nil {
		return DecisionAllowed
	}
	if rt.ErrorSuspended {
		if rt.NextAllowedAt != nil && !now.Before(*rt.NextAllowedAt) {
			return DecisionAutoRecovery
		}
		return DecisionSuspended
	}
	if rt.NextAllowedAt != nil && now.Before(*rt.NextAllowedAt) {
		return DecisionBackoff
	}
	return DecisionAllowed
}

// RecordFailure registers one failed firing: it bumps the consecutive
// failure count, schedules the next allowed attempt from the backoff
// sequence, and opens the breaker once the threshold is reached. A
// suspended rule that fails its recovery probe is re-suspended with a
// fresh window.
func (p Policy) RecordFailure(rt *RuntimeState, now time.Time, errMsg string) {
	rt.ConsecutiveFailures++
	rt.LastFailureAt = &now
	rt.LastError = errMsg
	if rt.ConsecutiveFailures >= p.Threshold {
		rt.ErrorSuspended = true
		next := now.Add(p.AutoRecovery)
		rt.NextAllowedAt = &next
		return
	}
	idx := rt.ConsecutiveFailures - 1
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	next := now.Add(p.Backoff[idx])
	rt.NextAllowedAt = &next
}

// RecordSuccess clears all failure bookkeeping after a clean firing.
func (p Policy) RecordSuccess(rt *RuntimeState) {
	rt.ConsecutiveFailures = 0
	rt.LastFailureAt = nil
	rt.NextAllowedAt = nil
	rt.ErrorSuspended = false
	rt.LastError = ""
}
