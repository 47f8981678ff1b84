package rules

import (
	"fmt"
	"time"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/detection"
)

// DetectionSource supplies recent object detections to the evaluator.
type DetectionSource interface {
	RecentSince(label string, since time.Time) ([]detection.Detection, error)
}

// AlarmSource supplies the current alarm state to the evaluator.
type AlarmSource interface {
	CurrentState() alarm.State
}

// RuntimeView gives stateful nodes access to their stored match state.
// Writes are staged; the caller decides when (and whether) they are
// flushed to the runtime store.
type RuntimeView interface {
	// Node returns the stored result and transition time for a node,
	// nil when the node has never been evaluated.
	Node(nodeID string) (matched *bool, transitionAt *time.Time)
	// SetNode stages the node's result after this evaluation.
	SetNode(nodeID string, matched bool, transitionAt time.Time)
}

// EvalContext carries everything one evaluation pass reads. States is a
// point-in-time snapshot; Detections and Alarm may be nil when the
// backing source is unavailable.
type EvalContext struct {
	Now        time.Time
	States     map[string]string
	Detections DetectionSource
	Alarm      AlarmSource
	Runtime    RuntimeView
}

// Trace records one node's evaluation for explainability. Children are
// included even past the point where the result was already decided, so
// a reader sees every branch.
type Trace struct {
	NodeID          string   `json:"node_id,omitempty"`
	Op              string   `json:"op"`
	Result          bool     `json:"result"`
	Detail          string   `json:"detail,omitempty"`
	EntityID        string   `json:"entity_id,omitempty"`
	State           string   `json:"state,omitempty"`
	CandidatesCount *int     `json:"candidates_count,omitempty"`
	Children        []*Trace `json:"children,omitempty"`
}

// Evaluate walks the condition tree and returns its boolean result plus
// a full trace. Children of all/any are always evaluated so that nested
// for nodes keep tracking transitions even when the combinator's result
// is already decided. The only error paths are an unavailable detection
// source under on_unavailable=error and an operator the validator would
// have rejected.
func Evaluate(n *Node, ec *EvalContext) (bool, *Trace, error) {
	tr := &Trace{NodeID: n.ID, Op: n.Op}

	switch n.Op {
	case OpEntityState:
		state, known := ec.States[n.EntityID]
		tr.EntityID = n.EntityID
		if !known {
			// Unknown entity never matches, not even not_equals.
			tr.Detail = "entity state unknown"
			return false, tr, nil
		}
		tr.State = state
		switch {
		case n.Equals != nil:
			tr.Result = state == *n.Equals
		case n.NotEquals != nil:
			tr.Result = state != *n.NotEquals
		default:
			for _, want := range n.In {
				if state == want {
					tr.Result = true
					break
				}
			}
		}
		return tr.Result, tr, nil

	case OpAll:
		tr.Result = true
		for _, c := range n.Children {
			ok, child, err := Evaluate(c, ec)
			if err != nil {
				return false, tr, err
			}
			tr.Children = append(tr.Children, child)
			if !ok {
				tr.Result = false
			}
		}
		return tr.Result, tr, nil

	case OpAny:
		for _, c := range n.Children {
			ok, child, err := Evaluate(c, ec)
			if err != nil {
				return false, tr, err
			}
			tr.Children = append(tr.Children, child)
			if ok {
				tr.Result = true
			}
		}
		return tr.Result, tr, nil

	case OpNot:
		ok, child, err := Evaluate(n.Child, ec)
		if err != nil {
			return false, tr, err
		}
		tr.Children = append(tr.Children, child)
		tr.Result = !ok
		return tr.Result, tr, nil

	case OpFor:
		cur, child, err := Evaluate(n.Child, ec)
		if err != nil {
			return false, tr, err
		}
		tr.Children = append(tr.Children, child)
		// The hold state tracks the child's result, so it is keyed by
		// the child's node id. That also keeps a root-level for node
		// from clobbering the rule-level row at "when".
		transitionAt := ec.Now
		if prev, at := ec.Runtime.Node(n.Child.ID); prev != nil && *prev == cur && at != nil {
			transitionAt = *at
		}
		ec.Runtime.SetNode(n.Child.ID, cur, transitionAt)
		held := ec.Now.Sub(transitionAt)
		need := time.Duration(*n.Seconds) * time.Second
		tr.Result = cur && held >= need
		tr.Detail = fmt.Sprintf("held %s of %s", held.Truncate(time.Second), need)
		return tr.Result, tr, nil

	case OpAlarmStateIn:
		if ec.Alarm == nil {
			tr.Detail = "alarm state unavailable"
			return false, tr, nil
		}
		cur := string(ec.Alarm.CurrentState())
		tr.State = cur
		for _, want := range n.States {
			if cur == want {
				tr.Result = true
				break
			}
		}
		return tr.Result, tr, nil

	case OpFrigatePersonDetected:
		return evalPersonDetected(n, ec, tr)

	case OpTimeInRange:
		return evalTimeInRange(n, ec, tr)
	}

	return false, tr, fmt.Errorf("unknown operator %q", n.Op)
}

func evalPersonDetected(n *Node, ec *EvalContext, tr *Trace) (bool, *Trace, error) {
	trouble := func(msg string) (bool, *Trace, error) {
		if n.OnUnavailable == OnUnavailableError {
			return false, tr, fmt.Errorf("detection source unavailable: %s", msg)
		}
		tr.Detail = msg
		return false, tr, nil
	}

	if ec.Detections == nil {
		return trouble("no detection source")
	}
	since := ec.Now.Add(-time.Duration(*n.WithinSeconds) * time.Second)
	dets, err := ec.Detections.RecentSince("person", since)
	if err != nil {
		return trouble(err.Error())
	}

	var candidates []detection.Detection
	for _, d := range dets {
		if d.FromCamera(n.Cameras) && d.InZone(n.Zones) {
			candidates = append(candidates, d)
		}
	}
	count := len(candidates)
	tr.CandidatesCount = &count

	threshold := float64(*n.MinConfidencePct)
	switch n.Aggregation {
	case AggCount:
		// Count aggregation repurposes the threshold as a minimum
		// number of qualifying detections.
		tr.Result = count >= *n.MinConfidencePct
	case AggAvg:
		if count > 0 {
			var sum float64
			for _, d := range candidates {
				sum += d.Confidence
			}
			tr.Result = sum/float64(count) >= threshold
		}
	default: // max
		for _, d := range candidates {
			if d.Confidence >= threshold {
				tr.Result = true
				break
			}
		}
	}
	return tr.Result, tr, nil
}

func evalTimeInRange(n *Node, ec *EvalContext, tr *Trace) (bool, *Trace, error) {
	loc, err := time.LoadLocation(n.TZ)
	if err != nil {
		tr.Detail = "unknown time zone " + n.TZ
		return false, tr, nil
	}
	local := ec.Now.In(loc)
	tr.Detail = local.Format("Mon 15:04")

	if len(n.Days) > 0 {
		ok := false
		for _, d := range n.Days {
			if weekdayNames[d] == local.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false, tr, nil
		}
	}

	start, _ := parseClock(n.Start)
	end, _ := parseClock(n.End)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		tr.Result = minute >= start && minute < end
	} else {
		// Wraps midnight, e.g. 22:00–06:00.
		tr.Result = minute >= start || minute < end
	}
	return tr.Result, tr, nil
}
