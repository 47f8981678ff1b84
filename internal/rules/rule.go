// Package rules holds the automation rule model: the condition-tree DSL,
// validation, persistence, per-rule runtime state, and the evaluator.
package rules

import (
	"encoding/json"
	"time"
)

// Rule kinds, derived from the first action when not set explicitly.
const (
	KindTrigger = "trigger"
	KindArm     = "arm"
	KindDisarm  = "disarm"
)

// Rule is one user-defined automation rule.
type Rule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Kind            string     `json:"kind"`
	Enabled         bool       `json:"enabled"`
	Priority        int        `json:"priority"`
	SchemaVersion   int        `json:"schema_version"`
	CooldownSeconds *int       `json:"cooldown_seconds,omitempty"`
	Definition      Definition `json:"definition"`
	EntityIDs       []string   `json:"entity_ids,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	ModifiedBy      string     `json:"modified_by,omitempty"`
	ModifiedByRole  string     `json:"modified_by_role,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Cooldown returns the rule's cooldown as a duration. Null and zero both
// mean "no cooldown".
func (r *Rule) Cooldown() time.Duration {
	if r.CooldownSeconds == nil || *r.CooldownSeconds <= 0 {
		return 0
	}
	return time.Duration(*r.CooldownSeconds) * time.Second
}

// Definition is a rule's condition tree plus its action list.
type Definition struct {
	When *Node    `json:"when"`
	Then []Action `json:"then"`
}

// DeriveKind returns the rule kind implied by the first action.
func DeriveKind(def Definition) string {
	if len(def.Then) > 0 {
		switch def.Then[0].Type {
		case "alarm_trigger":
			return KindTrigger
		case "alarm_disarm":
			return KindDisarm
		case "alarm_arm":
			return KindArm
		}
	}
	return KindTrigger
}

// Action is one tagged action payload. Type discriminates; all other
// JSON fields are kept in Fields for the handler to parse.
type Action struct {
	Type   string
	Fields map[string]any
}

// UnmarshalJSON splits the type tag from the remaining fields.
func (a *Action) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	t, _ := m["type"].(string)
	delete(m, "type")
	a.Type = t
	a.Fields = m
	return nil
}

// MarshalJSON re-merges the type tag with the fields.
func (a Action) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Fields)+1)
	for k, v := range a.Fields {
		m[k] = v
	}
	m["type"] = a.Type
	return json.Marshal(m)
}

// StringField returns a string field of the action payload.
func (a Action) StringField(key string) (string, bool) {
	v, ok := a.Fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntField returns an integer field of the action payload. JSON numbers
// decode as float64; integral values convert cleanly.
func (a Action) IntField(key string) (int, bool) {
	v, ok := a.Fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case int:
		return n, true
	}
	return 0, false
}

// MapField returns a nested object field of the action payload.
func (a Action) MapField(key string) (map[string]any, bool) {
	v, ok := a.Fields[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}
