/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package actions

import (
	"strings"
	"testing"

	"github.com/hearthside-labs/vigil/internal/rules"
)

func fieldsOf(errs []rules.FieldError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func wantClean(t *testing.T, a rules.Action) {
	t.Helper()
	if errs := ValidateAction(0, a); len(errs) != 0 {
		t.Fatalf("%s: unexpected errors %v", a.Type, errs)
	}
}

func wantError(t *testing.T, a rules.Action, field string) {
	t.Helper()
	errs := ValidateAction(0, a)
	for _, e := range errs {
		if e.Field == field {
			return
		}
	}
	t.Fatalf("%s: expected error on %s, got %v", a.Type, field, fieldsOf(errs))
}

func TestValidatePerTypeContracts(t *testing.T) {
	wantClean(t, action("alarm_arm", map[string]any{"mode": "armed_night"}))
	wantError(t, action("alarm_arm", nil), "mode")
	wantError(t, action("alarm_arm", map[string]any{"mode": "armed_sideways"}), "mode")

	wantClean(t, action("alarm_disarm", nil))
	wantClean(t, action("alarm_trigger", nil))

	wantClean(t, action("ha_call_service", map[string]any{"action": "light.turn_on"}))
	wantError(t, action("ha_call_service", nil), "action")
	wantError(t, action("ha_call_service", map[string]any{"action": "turnon"}), "action")
	wantError(t, action("ha_call_service", map[string]any{"action": "light.turn_on", "target": "porch"}), "target")

	wantClean(t, action("send_notification", map[string]any{"provider_id": "tg", "message": "hi"}))
	wantError(t, action("send_notification", map[string]any{"provider_id": "tg"}), "message")
	wantError(t, action("send_notification", map[string]any{"message": "hi"}), "provider_id")

	wantClean(t, action("zigbee2mqtt_light", map[string]any{"entity_id": "l", "state": "on"}))
	wantClean(t, action("zigbee2mqtt_light", map[string]any{"entity_id": "l", "state": "off", "brightness": float64(10)}))
	wantError(t, action("zigbee2mqtt_light", map[string]any{"entity_id": "l", "state": "dim"}), "state")
	wantError(t, action("zigbee2mqtt_light", map[string]any{"entity_id": "l", "state": "on", "brightness": "max"}), "brightness")

	wantClean(t, action("zigbee2mqtt_switch", map[string]any{"entity_id": "s", "state": "off"}))
	wantError(t, action("zigbee2mqtt_switch", map[string]any{"state": "off"}), "entity_id")

	wantClean(t, action("zigbee2mqtt_set_value", map[string]any{"entity_id": "v", "value": false}))
	wantError(t, action("zigbee2mqtt_set_value", map[string]any{"entity_id": "v"}), "value")
}

func TestValidateZWaveValueID(t *testing.T) {
	good := map[string]any{
		"node_id": float64(7),
		"value_id": map[string]any{
			"commandClass": float64(38),
			"endpoint":     float64(0),
			"property":     "targetValue",
			"propertyKey":  float64(1),
		},
		"value": float64(50),
	}
	wantClean(t, action("zwavejs_set_value", good))

	wantError(t, action("zwavejs_set_value", map[string]any{
		"node_id": "seven", "value_id": map[string]any{}, "value": 1,
	}), "node_id")
	wantError(t, action("zwavejs_set_value", map[string]any{
		"node_id": float64(7), "value": 1,
	}), "value_id")
	wantError(t, action("zwavejs_set_value", map[string]any{
		"node_id": float64(7),
		"value_id": map[string]any{
			"commandClass": "CC", "endpoint": float64(0), "property": "p",
		},
		"value": 1,
	}), "value_id.commandClass")
	wantError(t, action("zwavejs_set_value", map[string]any{
		"node_id": float64(7),
		"value_id": map[string]any{
			"commandClass": float64(38), "endpoint": float64(0), "property": true,
		},
		"value": 1,
	}), "value_id.property")
}

func TestUnknownTypeRejectedAtValidation(t *testing.T) {
	errs := ValidateAction(0, action("teleport", nil))
	if len(errs) == 0 {
		t.Fatal("unknown type should be rejected")
	}
	if errs[0].Field != "type" || !strings.Contains(errs[0].Message, "teleport") {
		t.Errorf("errs = %v", errs)
	}
}

func TestEveryRegisteredTypeHasAContract(t *testing.T) {
	for _, typ := range DefaultRegistry().Types() {
		for _, e := range ValidateAction(0, action(typ, map[string]any{})) {
			if e.Field == "type" {
				t.Errorf("registered type %s has no validation contract", typ)
			}
		}
	}
}
