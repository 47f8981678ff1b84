// Package events provides a pub/sub event bus for controller-wide events.
// Integration bridges and the websocket layer subscribe for real-time
// updates; subscribers never write back to the producer synchronously.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies controller events.
type EventType string

const (
	AlarmStateCommitted     EventType = "alarm.state_committed"
	SettingsProfileChanged  EventType = "settings.profile_changed"
	SettingsUpdated         EventType = "settings.updated"
	EntitySyncCompleted     EventType = "entity.sync_completed"
	IntegrationConnected    EventType = "integration.connected"
	IntegrationDisconnected EventType = "integration.disconnected"
	RuleFired               EventType = "rule.fired"
	RuleSuspended           EventType = "rule.suspended"
	RuleSuspensionCleared   EventType = "rule.suspension_cleared"
)

// Event represents a controller event.
type Event struct {
	Type      EventType   `json:"type"`
	Subject   string      `json:"subject,omitempty"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EntitySyncDetail is the Detail payload published with
// EntitySyncCompleted: the entity ids whose state changed during the
// sync run.
type EntitySyncDetail struct {
	Entities []string `json:"entities"`
	Count    int      `json:"count"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop.
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
