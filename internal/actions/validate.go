/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package actions

import (
	"fmt"
	"strings"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/rules"
)

// ValidateAction checks one action payload against the static contract
// for its type. Unknown types are rejected here, at rule save, rather
// than at fire time. The signature matches rules.ActionValidator.
func ValidateAction(_ int, a rules.Action) []rules.FieldError {
	var errs []rules.FieldError
	add := func(field, msg string) {
		errs = append(errs, rules.FieldError{Field: field, Message: msg})
	}

	requireString := func(field string) string {
		s, ok := a.StringField(field)
		if !ok || s == "" {
			add(field, field+" is required")
		}
		return s
	}
	optionalMap := func(field string) {
		if _, present := a.Fields[field]; !present {
			return
		}
		if _, ok := a.MapField(field); !ok {
			add(field, field+" must be an object")
		}
	}

	switch a.Type {
	case "alarm_arm":
		mode := requireString("mode")
		if mode != "" && !alarm.ArmModes[alarm.State(mode)] {
			add("mode", fmt.Sprintf("unknown arm mode %q", mode))
		}

	case "alarm_disarm", "alarm_trigger":
		// No fields.

	case "ha_call_service":
		call := requireString("action")
		if call != "" {
			domain, service, ok := strings.Cut(call, ".")
			if !ok || domain == "" || service == "" {
				add("action", "action must be domain.service")
			}
		}
		optionalMap("target")
		optionalMap("data")

	case "send_notification":
		requireString("provider_id")
		requireString("message")
		if _, present := a.Fields["title"]; present {
			if _, ok := a.StringField("title"); !ok {
				add("title", "title must be a string")
			}
		}
		optionalMap("data")

	case "zigbee2mqtt_light":
		requireString("entity_id")
		validateOnOff(a, add)
		if _, present := a.Fields["brightness"]; present {
			if _, ok := a.IntField("brightness"); !ok {
				add("brightness", "brightness must be an integer")
			}
		}

	case "zigbee2mqtt_switch":
		requireString("entity_id")
		validateOnOff(a, add)

	case "zigbee2mqtt_set_value":
		requireString("entity_id")
		if _, present := a.Fields["value"]; !present {
			add("value", "value is required")
		}

	case "zwavejs_set_value":
		if _, ok := a.IntField("node_id"); !ok {
			add("node_id", "node_id must be an integer")
		}
		valueID, ok := a.MapField("value_id")
		if !ok {
			add("value_id", "value_id is required")
		} else {
			if !isInt(valueID["commandClass"]) {
				add("value_id.commandClass", "commandClass must be an integer")
			}
			if !isInt(valueID["endpoint"]) {
				add("value_id.endpoint", "endpoint must be an integer")
			}
			if !isScalar(valueID["property"]) {
				add("value_id.property", "property must be a string or integer")
			}
			if pk, present := valueID["propertyKey"]; present && !isScalar(pk) {
				add("value_id.propertyKey", "propertyKey must be a string or integer")
			}
		}
		if _, present := a.Fields["value"]; !present {
			add("value", "value is required")
		}

	default:
		add("type", fmt.Sprintf("unknown action type %q", a.Type))
	}

	return errs
}

func validateOnOff(a rules.Action, add func(field, msg string)) {
	state, ok := a.StringField("state")
	if !ok || (state != "on" && state != "off") {
		add("state", "state must be on or off")
	}
}

func isInt(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == float64(int(n))
	case int:
		return true
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, int:
		return true
	case float64:
		return isInt(v)
	}
	return false
}
