/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package actions executes the action list of a fired rule. Actions are
// typed payloads dispatched through a registry; handlers talk to the
// outside world only through the gateway capabilities they are given.
//
// Handlers never panic their caller: the executor converts a panic into
// a failed action result so one bad action cannot take down a worker.
package actions

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/metrics"
	"github.com/hearthside-labs/vigil/internal/rules"
)

// Result is the outcome of one executed action.
type Result struct {
	Type      string         `json:"type"`
	OK        bool           `json:"ok"`
	Scheduled bool           `json:"scheduled,omitempty"`
	Error     string         `json:"error,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// AlarmGateway drives the alarm state machine.
type AlarmGateway interface {
	Arm(ctx context.Context, mode alarm.State, by, reason string) (alarm.Snapshot, error)
	Disarm(ctx context.Context, by, reason string) (alarm.Snapshot, error)
	Trigger(ctx context.Context, by, reason string) (alarm.Snapshot, error)
}

// HomeAssistantGateway calls Home Assistant services.
type HomeAssistantGateway interface {
	CallService(ctx context.Context, domain, service string, target, data map[string]any) error
}

// Zigbee2mqttGateway commands zigbee devices over MQTT.
type Zigbee2mqttGateway interface {
	SetLight(ctx context.Context, entityID, state string, brightness *int) error
	SetSwitch(ctx context.Context, entityID, state string) error
	SetValue(ctx context.Context, entityID string, value any) error
}

// ZWaveGateway writes values to Z-Wave JS nodes.
type ZWaveGateway interface {
	SetValue(ctx context.Context, nodeID int, valueID map[string]any, value any) error
}

// Notifier queues a notification for asynchronous delivery. Enqueue
// returning nil means accepted, not delivered.
type Notifier interface {
	Enqueue(providerID, title, message, ruleName string, data map[string]any) error
}

// Gateways bundles the capabilities handlers may use. Nil fields mean
// the capability is not configured; handlers report that as an error.
type Gateways struct {
	Alarm         AlarmGateway
	HomeAssistant HomeAssistantGateway
	Zigbee2mqtt   Zigbee2mqttGateway
	ZWave         ZWaveGateway
	Notifier      Notifier
}

// Env is the per-invocation environment a handler runs in.
type Env struct {
	// Rule is the rule being fired, nil for direct invocations.
	Rule *rules.Rule
	// User is the acting user, empty when a rule fired on its own.
	User     string
	Gateways Gateways
	Log      *zap.Logger
}

// Actor names who an action runs as, for gateway audit fields.
func (e *Env) Actor() string {
	if e.User != "" {
		return e.User
	}
	if e.Rule != nil {
		return "rule:" + e.Rule.ID
	}
	return "system"
}

// Handler executes one action. The returned map is attached to the
// action result; an output key "scheduled" set to true marks the action
// as accepted for asynchronous delivery.
type Handler func(ctx context.Context, a rules.Action, env *Env) (map[string]any, error)

// adminOnly actions are refused when the rule was last modified by a
// non-admin, so a limited account cannot stage privileged operations
// into a rule and have the engine run them.
var adminOnly = map[string]bool{
	"alarm_arm":         true,
	"alarm_disarm":      true,
	"alarm_trigger":     true,
	"ha_call_service":   true,
	"zwavejs_set_value": true,
}

// AdminOnly reports whether an action type requires the owning rule to
// have been modified by an admin.
func AdminOnly(actionType string) bool {
	return adminOnly[actionType]
}

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same type twice is a
// programming error and panics at startup.
func (r *Registry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[actionType]; dup {
		panic(fmt.Sprintf("actions: duplicate handler for %q", actionType))
	}
	r.handlers[actionType] = h
}

// Handler looks up the handler for an action type.
func (r *Registry) Handler(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns all registered action types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Executor runs action lists against the registry.
type Executor struct {
	reg *Registry
	gw  Gateways
	log *zap.Logger
}

// NewExecutor creates an executor. A nil logger is replaced with a nop.
func NewExecutor(reg *Registry, gw Gateways, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{reg: reg, gw: gw, log: log.Named("actions")}
}

// Run executes the actions of a fired rule in order and returns one
// result per action. Run itself never fails; every problem is captured
// in the corresponding result.
func (e *Executor) Run(ctx context.Context, r *rules.Rule, user string, acts []rules.Action) []Result {
	env := &Env{Rule: r, User: user, Gateways: e.gw, Log: e.log}
	results := make([]Result, 0, len(acts))
	for _, a := range acts {
		res := e.runOne(ctx, a, env)
		metrics.RecordAction(a.Type, res.OK)
		if !res.OK {
			e.log.Warn("action failed",
				zap.String("type", a.Type),
				zap.String("rule_id", ruleID(r)),
				zap.String("error", res.Error))
		}
		results = append(results, res)
	}
	return results
}

func (e *Executor) runOne(ctx context.Context, a rules.Action, env *Env) (res Result) {
	res = Result{Type: a.Type}

	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Scheduled = false
			res.Error = fmt.Sprintf("handler panic: %v", r)
			e.log.Error("action handler panicked",
				zap.String("type", a.Type),
				zap.Any("panic", r))
		}
	}()

	h, ok := e.reg.Handler(a.Type)
	if !ok {
		res.Error = fmt.Sprintf("unknown action type %q", a.Type)
		return res
	}

	if AdminOnly(a.Type) && env.Rule != nil && env.Rule.ModifiedByRole != "admin" {
		res.Error = "admin_required"
		return res
	}

	out, err := h(ctx, a, env)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Output = out
	if v, ok := out["scheduled"].(bool); ok && v {
		res.Scheduled = true
	}
	return res
}

func ruleID(r *rules.Rule) string {
	if r == nil {
		return ""
	}
	return r.ID
}
