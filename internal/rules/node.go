package rules

import (
	"sort"
	"strconv"
)

// Condition tree operators.
const (
	OpEntityState           = "entity_state"
	OpAll                   = "all"
	OpAny                   = "any"
	OpNot                   = "not"
	OpFor                   = "for"
	OpAlarmStateIn          = "alarm_state_in"
	OpFrigatePersonDetected = "frigate_person_detected"
	OpTimeInRange           = "time_in_range"
)

// Aggregation modes for frigate_person_detected.
const (
	AggMax   = "max"
	AggAvg   = "avg"
	AggCount = "count"
)

// Unavailable-source policies for frigate_person_detected.
const (
	OnUnavailableNoMatch = "treat_as_no_match"
	OnUnavailableError   = "error"
)

// Node is one node of a rule's condition tree. Op selects the operator;
// the remaining fields are per-operator and empty elsewhere.
type Node struct {
	Op string `json:"op"`

	// entity_state
	EntityID  string   `json:"entity_id,omitempty"`
	Equals    *string  `json:"equals,omitempty"`
	NotEquals *string  `json:"not_equals,omitempty"`
	In        []string `json:"in,omitempty"`

	// all, any
	Children []*Node `json:"children,omitempty"`

	// not, for
	Child *Node `json:"child,omitempty"`

	// for
	Seconds *int `json:"seconds,omitempty"`

	// alarm_state_in
	States []string `json:"states,omitempty"`

	// frigate_person_detected
	Cameras          []string `json:"cameras,omitempty"`
	Zones            []string `json:"zones,omitempty"`
	WithinSeconds    *int     `json:"within_seconds,omitempty"`
	MinConfidencePct *int     `json:"min_confidence_pct,omitempty"`
	Aggregation      string   `json:"aggregation,omitempty"`
	OnUnavailable    string   `json:"on_unavailable,omitempty"`

	// time_in_range
	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
	TZ    string   `json:"tz,omitempty"`
	Days  []string `json:"days,omitempty"`

	// ID is the node's position path, assigned by AssignNodeIDs. It is
	// recomputed from the tree shape on every load, never stored.
	ID string `json:"-"`
}

// RootNodeID keys the rule-level runtime row.
const RootNodeID = "when"

// AssignNodeIDs stamps every node with a stable positional id: the root
// is "when", the i-th child of a node p is p.ID+"."+i. Stateful nodes
// key their runtime rows by this id, so it must not depend on anything
// but tree shape.
func AssignNodeIDs(root *Node) {
	if root == nil {
		return
	}
	root.ID = RootNodeID
	assignChildIDs(root)
}

func assignChildIDs(n *Node) {
	if n.Child != nil {
		n.Child.ID = n.ID + ".0"
		assignChildIDs(n.Child)
	}
	for i, c := range n.Children {
		if c == nil {
			continue
		}
		c.ID = n.ID + "." + strconv.Itoa(i)
		assignChildIDs(c)
	}
}

// ExtractEntityIDs collects the entity ids referenced by entity_state
// nodes anywhere in the tree, deduplicated and sorted.
func ExtractEntityIDs(def Definition) []string {
	seen := map[string]struct{}{}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Op == OpEntityState && n.EntityID != "" {
			seen[n.EntityID] = struct{}{}
		}
		walk(n.Child)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(def.When)
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// hasDataNode reports whether the tree contains at least one operator
// that reads live system state. A tree made only of time_in_range and
// combinators could never be triggered by an entity change.
func hasDataNode(n *Node) bool {
	if n == nil {
		return false
	}
	switch n.Op {
	case OpEntityState, OpAlarmStateIn, OpFrigatePersonDetected:
		return true
	}
	if hasDataNode(n.Child) {
		return true
	}
	for _, c := range n.Children {
		if hasDataNode(c) {
			return true
		}
	}
	return false
}
