/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hearthside-labs/vigil/internal/config"
)

const sendTimeout = 15 * time.Second

// Dispatcher owns the provider table and the delivery queue. Enqueue
// accepts; Run delivers.
type Dispatcher struct {
	log       logr.Logger
	providers map[string]Channel
	limiter   *RateLimiter
	queue     chan delivery
}

type delivery struct {
	providerID string
	msg        Message
}

// NewDispatcher creates a dispatcher over the given providers. A nil
// limiter disables rate limiting.
func NewDispatcher(providers map[string]Channel, limiter *RateLimiter, log logr.Logger) *Dispatcher {
	if providers == nil {
		providers = map[string]Channel{}
	}
	return &Dispatcher{
		log:       log,
		providers: providers,
		limiter:   limiter,
		queue:     make(chan delivery, 256),
	}
}

// Enqueue queues a notification for delivery. An unknown provider is
// reported synchronously so the action fails fast; a rate-limited
// notification is accepted and muted rather than failed, so a noisy
// rule does not trip its own circuit breaker over muting.
func (d *Dispatcher) Enqueue(providerID, title, message, ruleName string, data map[string]any) error {
	if _, ok := d.providers[providerID]; !ok {
		return fmt.Errorf("unknown notification provider %q", providerID)
	}
	if d.limiter != nil && !d.limiter.Allow(ruleName) {
		d.log.Info("notification rate-limited", "rule", ruleName, "provider", providerID)
		return nil
	}

	dv := delivery{
		providerID: providerID,
		msg: Message{
			RuleName:  ruleName,
			Title:     title,
			Body:      message,
			Data:      data,
			Timestamp: time.Now().UTC(),
		},
	}
	select {
	case d.queue <- dv:
		return nil
	default:
		return errors.New("notification queue full")
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dv := <-d.queue:
			d.deliver(ctx, dv)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, dv delivery) {
	ch := d.providers[dv.providerID]
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := ch.Send(sendCtx, dv.msg); err != nil {
		d.log.Error(err, "notification delivery failed",
			"provider", dv.providerID, "type", ch.Type(), "rule", dv.msg.RuleName)
		return
	}
	d.log.Info("notification delivered",
		"provider", dv.providerID, "type", ch.Type(), "rule", dv.msg.RuleName)
}

// Providers returns the configured provider ids, sorted.
func (d *Dispatcher) Providers() []string {
	ids := make([]string, 0, len(d.providers))
	for id := range d.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FromConfig builds the provider table from deployment config.
func FromConfig(cfgs []config.NotifyProviderConfig) (map[string]Channel, error) {
	providers := make(map[string]Channel, len(cfgs))
	for _, c := range cfgs {
		if c.ID == "" {
			return nil, errors.New("notify provider id required")
		}
		if _, dup := providers[c.ID]; dup {
			return nil, fmt.Errorf("duplicate notify provider %q", c.ID)
		}
		switch c.Type {
		case "slack":
			providers[c.ID] = NewSlackChannel(c.URL, c.Chat)
		case "telegram":
			providers[c.ID] = NewTelegramChannel(c.Token, c.Chat)
		case "webhook":
			providers[c.ID] = NewWebhookChannel(c.URL, nil)
		case "email":
			providers[c.ID] = NewEmailChannel(c.SMTPHost, c.SMTPPort, c.From, c.To, c.Username, c.Password)
		default:
			return nil, fmt.Errorf("unknown notify provider type %q", c.Type)
		}
	}
	return providers, nil
}

// RateLimiter limits notifications per rule per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per rule.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
	}
}

// Allow checks if the rule is within rate limits.
func (rl *RateLimiter) Allow(ruleName string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0)
	for _, t := range rl.counts[ruleName] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		return false
	}

	rl.counts[ruleName] = append(recent, now)
	return true
}
