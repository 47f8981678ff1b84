/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/rules"
)

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("alarm_arm", handleAlarmArm)
	r.Register("alarm_disarm", handleAlarmDisarm)
	r.Register("alarm_trigger", handleAlarmTrigger)
	r.Register("ha_call_service", handleHACallService)
	r.Register("send_notification", handleSendNotification)
	r.Register("zigbee2mqtt_light", handleZigbeeLight)
	r.Register("zigbee2mqtt_switch", handleZigbeeSwitch)
	r.Register("zigbee2mqtt_set_value", handleZigbeeSetValue)
	r.Register("zwavejs_set_value", handleZWaveSetValue)
	return r
}

func ruleReason(env *Env) string {
	if env.Rule != nil {
		return "rule " + env.Rule.Name
	}
	return "action"
}

func handleAlarmArm(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Alarm == nil {
		return nil, errors.New("alarm gateway not configured")
	}
	mode, _ := a.StringField("mode")
	st := alarm.State(mode)
	if !alarm.ArmModes[st] {
		return nil, fmt.Errorf("invalid arm mode %q", mode)
	}
	snap, err := env.Gateways.Alarm.Arm(ctx, st, env.Actor(), ruleReason(env))
	if errors.Is(err, alarm.ErrConflict) {
		// Already armed (or arming). A rule asking for a state the
		// panel is in is a no-op, not a failure.
		return map[string]any{"state": mode, "changed": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": string(snap.State), "changed": true}, nil
}

func handleAlarmDisarm(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Alarm == nil {
		return nil, errors.New("alarm gateway not configured")
	}
	snap, err := env.Gateways.Alarm.Disarm(ctx, env.Actor(), ruleReason(env))
	if errors.Is(err, alarm.ErrConflict) {
		return map[string]any{"state": string(alarm.StateDisarmed), "changed": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": string(snap.State), "changed": true}, nil
}

func handleAlarmTrigger(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Alarm == nil {
		return nil, errors.New("alarm gateway not configured")
	}
	snap, err := env.Gateways.Alarm.Trigger(ctx, env.Actor(), ruleReason(env))
	if errors.Is(err, alarm.ErrConflict) {
		return map[string]any{"state": string(alarm.StateTriggered), "changed": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": string(snap.State), "changed": true}, nil
}

func handleHACallService(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.HomeAssistant == nil {
		return nil, errors.New("home assistant gateway not configured")
	}
	call, _ := a.StringField("action")
	domain, service, ok := strings.Cut(call, ".")
	if !ok || domain == "" || service == "" {
		return nil, fmt.Errorf("action must be domain.service, got %q", call)
	}
	target, _ := a.MapField("target")
	data, _ := a.MapField("data")
	if err := env.Gateways.HomeAssistant.CallService(ctx, domain, service, target, data); err != nil {
		return nil, err
	}
	return map[string]any{"called": call}, nil
}

func handleSendNotification(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Notifier == nil {
		return nil, errors.New("notifier not configured")
	}
	providerID, _ := a.StringField("provider_id")
	message, _ := a.StringField("message")
	if providerID == "" || message == "" {
		return nil, errors.New("provider_id and message are required")
	}
	title, _ := a.StringField("title")
	data, _ := a.MapField("data")
	ruleName := ""
	if env.Rule != nil {
		ruleName = env.Rule.Name
	}
	if err := env.Gateways.Notifier.Enqueue(providerID, title, message, ruleName, data); err != nil {
		return nil, err
	}
	return map[string]any{"scheduled": true, "provider_id": providerID}, nil
}

func handleZigbeeLight(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Zigbee2mqtt == nil {
		return nil, errors.New("zigbee2mqtt gateway not configured")
	}
	entityID, _ := a.StringField("entity_id")
	state, _ := a.StringField("state")
	if entityID == "" {
		return nil, errors.New("entity_id is required")
	}
	if state != "on" && state != "off" {
		return nil, fmt.Errorf("state must be on or off, got %q", state)
	}
	var brightness *int
	if b, ok := a.IntField("brightness"); ok {
		brightness = &b
	}
	if err := env.Gateways.Zigbee2mqtt.SetLight(ctx, entityID, state, brightness); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": entityID, "state": state}, nil
}

func handleZigbeeSwitch(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Zigbee2mqtt == nil {
		return nil, errors.New("zigbee2mqtt gateway not configured")
	}
	entityID, _ := a.StringField("entity_id")
	state, _ := a.StringField("state")
	if entityID == "" {
		return nil, errors.New("entity_id is required")
	}
	if state != "on" && state != "off" {
		return nil, fmt.Errorf("state must be on or off, got %q", state)
	}
	if err := env.Gateways.Zigbee2mqtt.SetSwitch(ctx, entityID, state); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": entityID, "state": state}, nil
}

func handleZigbeeSetValue(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.Zigbee2mqtt == nil {
		return nil, errors.New("zigbee2mqtt gateway not configured")
	}
	entityID, _ := a.StringField("entity_id")
	if entityID == "" {
		return nil, errors.New("entity_id is required")
	}
	value, ok := a.Fields["value"]
	if !ok {
		return nil, errors.New("value is required")
	}
	if err := env.Gateways.Zigbee2mqtt.SetValue(ctx, entityID, value); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": entityID}, nil
}

func handleZWaveSetValue(ctx context.Context, a rules.Action, env *Env) (map[string]any, error) {
	if env.Gateways.ZWave == nil {
		return nil, errors.New("zwavejs gateway not configured")
	}
	nodeID, ok := a.IntField("node_id")
	if !ok {
		return nil, errors.New("node_id must be an integer")
	}
	valueID, ok := a.MapField("value_id")
	if !ok {
		return nil, errors.New("value_id is required")
	}
	value, ok := a.Fields["value"]
	if !ok {
		return nil, errors.New("value is required")
	}
	if err := env.Gateways.ZWave.SetValue(ctx, nodeID, valueID, value); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": nodeID}, nil
}
