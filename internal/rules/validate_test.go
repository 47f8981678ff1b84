package rules

import (
	"errors"
	"strings"
	"testing"
)

func triggerAction() Action {
	return Action{Type: "alarm_trigger", Fields: map[string]any{}}
}

func validDef() Definition {
	return Definition{
		When: &Node{Op: OpEntityState, EntityID: "binary_sensor.front_door", Equals: strPtr("on")},
		Then: []Action{triggerAction()},
	}
}

func wantFieldError(t *testing.T, err error, field string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected validation error on %s, got nil", field)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := ve.Details()[field]; !ok {
		t.Fatalf("expected error on %s, got %v", field, ve.Details())
	}
}

func TestValidDefinitionPasses(t *testing.T) {
	def := validDef()
	if err := ValidateDefinition(&def, nil); err != nil {
		t.Fatalf("ValidateDefinition: %v", err)
	}
	if def.When.ID != "when" {
		t.Errorf("root node id = %q, want when", def.When.ID)
	}
}

func TestMissingConditionTree(t *testing.T) {
	def := Definition{Then: []Action{triggerAction()}}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when")
}

func TestMissingActions(t *testing.T) {
	def := validDef()
	def.Then = nil
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.then")
}

func TestUnknownOperator(t *testing.T) {
	def := validDef()
	def.When = &Node{Op: OpAll, Children: []*Node{
		{Op: OpEntityState, EntityID: "a.b", Equals: strPtr("on")},
		{Op: "sometimes"},
	}}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.children[1].op")
}

func TestEntityStateNeedsExactlyOneComparator(t *testing.T) {
	def := validDef()
	def.When = &Node{Op: OpEntityState, EntityID: "a.b"}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when")

	def.When = &Node{Op: OpEntityState, EntityID: "a.b", Equals: strPtr("on"), NotEquals: strPtr("off")}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when")

	def.When = &Node{Op: OpEntityState, EntityID: "a.b", In: []string{}}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.in")
}

func TestForNodeValidation(t *testing.T) {
	child := &Node{Op: OpEntityState, EntityID: "a.b", Equals: strPtr("on")}

	def := validDef()
	def.When = &Node{Op: OpFor, Child: child}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.seconds")

	def.When = &Node{Op: OpFor, Seconds: intPtr(-5), Child: child}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.seconds")

	def.When = &Node{Op: OpFor, Seconds: intPtr(30)}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.child")
}

func TestTimeInRangeValidation(t *testing.T) {
	guard := func(tn *Node) Definition {
		def := validDef()
		def.When = &Node{Op: OpAll, Children: []*Node{
			{Op: OpEntityState, EntityID: "a.b", Equals: strPtr("on")},
			tn,
		}}
		return def
	}

	def := guard(&Node{Op: OpTimeInRange, Start: "22:00", End: "06:00", TZ: "UTC"})
	if err := ValidateDefinition(&def, nil); err != nil {
		t.Fatalf("valid time_in_range rejected: %v", err)
	}

	def = guard(&Node{Op: OpTimeInRange, Start: "22:00", End: "22:00", TZ: "UTC"})
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.children[1]")

	def = guard(&Node{Op: OpTimeInRange, Start: "25:99", End: "06:00", TZ: "UTC"})
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.children[1].start")

	def = guard(&Node{Op: OpTimeInRange, Start: "22:00", End: "06:00", TZ: "Mars/Olympus"})
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.children[1].tz")

	def = guard(&Node{Op: OpTimeInRange, Start: "22:00", End: "06:00", TZ: "UTC", Days: []string{"mon", "noday"}})
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.children[1].days[1]")
}

func TestTimeOnlyTreeRejected(t *testing.T) {
	def := validDef()
	def.When = &Node{Op: OpTimeInRange, Start: "22:00", End: "06:00", TZ: "UTC"}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when")

	// Wrapping it in combinators does not help without a data node.
	def.When = &Node{Op: OpAll, Children: []*Node{
		{Op: OpNot, Child: &Node{Op: OpTimeInRange, Start: "22:00", End: "06:00", TZ: "UTC"}},
	}}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when")
}

func TestPersonDetectedValidation(t *testing.T) {
	def := validDef()
	def.When = &Node{Op: OpFrigatePersonDetected, MinConfidencePct: intPtr(90)}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.within_seconds")

	def.When = &Node{Op: OpFrigatePersonDetected, WithinSeconds: intPtr(30), MinConfidencePct: intPtr(101)}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.min_confidence_pct")

	def.When = &Node{Op: OpFrigatePersonDetected, WithinSeconds: intPtr(30), MinConfidencePct: intPtr(90), Aggregation: "median"}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.aggregation")

	def.When = &Node{Op: OpFrigatePersonDetected, WithinSeconds: intPtr(30), MinConfidencePct: intPtr(90), OnUnavailable: "panic"}
	wantFieldError(t, ValidateDefinition(&def, nil), "definition.when.on_unavailable")
}

func TestActionValidatorErrorsArePathed(t *testing.T) {
	def := validDef()
	def.Then = append(def.Then, Action{Type: "send_notification", Fields: map[string]any{}})

	err := ValidateDefinition(&def, func(idx int, a Action) []FieldError {
		if a.Type != "send_notification" {
			return nil
		}
		return []FieldError{{Field: "message", Message: "message is required"}}
	})
	wantFieldError(t, err, "definition.then[1].message")
}

func TestValidationErrorMessageListsFields(t *testing.T) {
	def := Definition{}
	err := ValidateDefinition(&def, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "definition.when") {
		t.Errorf("error message should name the field: %v", err)
	}
}

func TestNodeIDAssignment(t *testing.T) {
	n := &Node{Op: OpAll, Children: []*Node{
		{Op: OpEntityState, EntityID: "a.b", Equals: strPtr("on")},
		{Op: OpNot, Child: &Node{Op: OpEntityState, EntityID: "c.d", Equals: strPtr("on")}},
	}}
	AssignNodeIDs(n)

	if n.ID != "when" {
		t.Errorf("root id = %q", n.ID)
	}
	if n.Children[0].ID != "when.0" {
		t.Errorf("first child id = %q", n.Children[0].ID)
	}
	if n.Children[1].ID != "when.1" {
		t.Errorf("second child id = %q", n.Children[1].ID)
	}
	if n.Children[1].Child.ID != "when.1.0" {
		t.Errorf("nested child id = %q", n.Children[1].Child.ID)
	}
}

func TestExtractEntityIDs(t *testing.T) {
	def := Definition{When: &Node{Op: OpAll, Children: []*Node{
		{Op: OpEntityState, EntityID: "b.door", Equals: strPtr("on")},
		{Op: OpFor, Seconds: intPtr(10), Child: &Node{Op: OpEntityState, EntityID: "a.window", Equals: strPtr("on")}},
		{Op: OpEntityState, EntityID: "b.door", NotEquals: strPtr("off")},
		{Op: OpAlarmStateIn, States: []string{"armed_away"}},
	}}}

	got := ExtractEntityIDs(def)
	want := []string{"a.window", "b.door"}
	if len(got) != len(want) {
		t.Fatalf("ExtractEntityIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ExtractEntityIDs = %v, want %v", got, want)
		}
	}
}
