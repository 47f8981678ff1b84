package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FieldError ties a validation message to the JSON path that caused it.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field problem found in one pass so the
// caller can surface them all at once.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid rule definition"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid rule definition: " + strings.Join(parts, "; ")
}

// Details returns the field problems as a path → message map.
func (e *ValidationError) Details() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		if _, dup := out[f.Field]; !dup {
			out[f.Field] = f.Message
		}
	}
	return out
}

// IsValidation reports whether err is a rule validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ActionValidator checks one action payload and returns field errors
// relative to the action itself; the index is for path construction.
type ActionValidator func(idx int, a Action) []FieldError

// ValidateDefinition checks a rule definition: the condition tree must
// be present, well-formed per operator, and contain at least one node
// that reads live state; the action list must be non-empty. When an
// ActionValidator is supplied each action payload is checked too.
// Node ids are assigned as a side effect.
func ValidateDefinition(def *Definition, validateAction ActionValidator) error {
	var errs []FieldError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	if def.When == nil {
		add("definition.when", "condition tree is required")
	} else {
		AssignNodeIDs(def.When)
		validateNode(def.When, "definition.when", &errs)
		if !hasDataNode(def.When) {
			add("definition.when", "condition tree must reference entity, alarm or detection state")
		}
	}

	if len(def.Then) == 0 {
		add("definition.then", "at least one action is required")
	}
	for i, a := range def.Then {
		path := fmt.Sprintf("definition.then[%d]", i)
		if a.Type == "" {
			add(path+".type", "action type is required")
			continue
		}
		if validateAction != nil {
			for _, fe := range validateAction(i, a) {
				field := path
				if fe.Field != "" {
					field += "." + fe.Field
				}
				add(field, fe.Message)
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func validateNode(n *Node, path string, errs *[]FieldError) {
	add := func(field, msg string) {
		*errs = append(*errs, FieldError{Field: field, Message: msg})
	}

	switch n.Op {
	case OpEntityState:
		if n.EntityID == "" {
			add(path+".entity_id", "entity id is required")
		}
		set := 0
		if n.Equals != nil {
			set++
		}
		if n.NotEquals != nil {
			set++
		}
		if n.In != nil {
			set++
			if len(n.In) == 0 {
				add(path+".in", "state list must not be empty")
			}
		}
		if set != 1 {
			add(path, "exactly one of equals, not_equals or in is required")
		}

	case OpAll, OpAny:
		for i, c := range n.Children {
			child := fmt.Sprintf("%s.children[%d]", path, i)
			if c == nil {
				add(child, "node must not be null")
				continue
			}
			validateNode(c, child, errs)
		}

	case OpNot:
		if n.Child == nil {
			add(path+".child", "child node is required")
		} else {
			validateNode(n.Child, path+".child", errs)
		}

	case OpFor:
		if n.Seconds == nil {
			add(path+".seconds", "seconds is required")
		} else if *n.Seconds < 0 {
			add(path+".seconds", "seconds must not be negative")
		}
		if n.Child == nil {
			add(path+".child", "child node is required")
		} else {
			validateNode(n.Child, path+".child", errs)
		}

	case OpAlarmStateIn:
		if len(n.States) == 0 {
			add(path+".states", "state list must not be empty")
		}

	case OpFrigatePersonDetected:
		if n.WithinSeconds == nil {
			add(path+".within_seconds", "within_seconds is required")
		} else if *n.WithinSeconds < 0 {
			add(path+".within_seconds", "within_seconds must not be negative")
		}
		if n.MinConfidencePct == nil {
			add(path+".min_confidence_pct", "min_confidence_pct is required")
		} else if *n.MinConfidencePct < 0 || *n.MinConfidencePct > 100 {
			add(path+".min_confidence_pct", "min_confidence_pct must be between 0 and 100")
		}
		switch n.Aggregation {
		case "", AggMax, AggAvg, AggCount:
		default:
			add(path+".aggregation", "aggregation must be max, avg or count")
		}
		switch n.OnUnavailable {
		case "", OnUnavailableNoMatch, OnUnavailableError:
		default:
			add(path+".on_unavailable", "on_unavailable must be treat_as_no_match or error")
		}

	case OpTimeInRange:
		start, startErr := parseClock(n.Start)
		if startErr != nil {
			add(path+".start", "start must be HH:MM")
		}
		end, endErr := parseClock(n.End)
		if endErr != nil {
			add(path+".end", "end must be HH:MM")
		}
		if startErr == nil && endErr == nil && start == end {
			add(path, "start and end must differ")
		}
		if n.TZ == "" {
			add(path+".tz", "tz is required")
		} else if _, err := time.LoadLocation(n.TZ); err != nil {
			add(path+".tz", "unknown IANA time zone")
		}
		for i, d := range n.Days {
			if _, ok := weekdayNames[d]; !ok {
				add(fmt.Sprintf("%s.days[%d]", path, i), "day must be mon..sun")
			}
		}

	case "":
		add(path+".op", "operator is required")

	default:
		add(path+".op", "unknown operator "+n.Op)
	}
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
