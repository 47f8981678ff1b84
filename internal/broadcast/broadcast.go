package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
)

// Message types pushed to clients.
const (
	TypeAlarmState = "alarm_state"
	TypeEntitySync = "entity_sync"
)

// Message is the wire envelope. Sequence increases strictly within a
// process; clients use it to detect missed messages after a reconnect.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Payload   any       `json:"payload"`
}

// AlarmStatePayload is the payload of an alarm_state message.
type AlarmStatePayload struct {
	State             string        `json:"state"`
	EffectiveSettings alarm.Timings `json:"effective_settings"`
}

// Broadcaster bridges the internal event bus to the websocket hub. The
// message timestamp is informational only; rule evaluation never reads
// it.
type Broadcaster struct {
	log *zap.Logger
	hub *Hub
	bus *events.Bus

	mu  sync.Mutex
	seq uint64
}

// New creates a broadcaster publishing through hub.
func New(hub *Hub, bus *events.Bus, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log: log.Named("broadcast"),
		hub: hub,
		bus: bus,
	}
}

// Run consumes bus events until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ch := b.bus.Subscribe("broadcast")
	defer b.bus.Unsubscribe("broadcast")

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.handle(evt)
		}
	}
}

func (b *Broadcaster) handle(evt events.Event) {
	switch evt.Type {
	case events.AlarmStateCommitted:
		payload := AlarmStatePayload{State: evt.Subject}
		if snap, ok := evt.Detail.(alarm.Snapshot); ok {
			payload.State = string(snap.State)
			payload.EffectiveSettings = snap.Timings
		}
		b.publish(TypeAlarmState, payload)
	case events.EntitySyncCompleted:
		detail, ok := evt.Detail.(events.EntitySyncDetail)
		if !ok || detail.Count == 0 {
			return
		}
		b.publish(TypeEntitySync, detail)
	}
}

// publish assigns the next sequence number and fans the message out.
// Numbering and delivery share one lock so clients always observe
// ascending sequences.
func (b *Broadcaster) publish(msgType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Sequence:  b.seq,
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshal broadcast message",
			zap.String("type", msgType),
			zap.Error(err))
		return
	}
	b.hub.Send(data)
	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()
}

// Sequence returns the last assigned sequence number.
func (b *Broadcaster) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
