// Package frigate ingests Frigate object-detection events from MQTT.
// Each tracked object lands in the detection store for
// frigate_person_detected conditions, and is mirrored as a
// binary_sensor.<camera>_<label> entity so rules can anchor on camera
// activity like any other entity.
package frigate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/config"
	"github.com/hearthside-labs/vigil/internal/detection"
	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
)

const source = "frigate"

// Submitter receives changed entity ids for rule dispatch.
type Submitter interface {
	Submit(source string, entityIDs []string, changedAt *time.Time)
}

// frigateEvent is the envelope Frigate publishes on its events topic.
// Only the after snapshot matters: it carries the current view of the
// tracked object.
type frigateEvent struct {
	Type  string         `json:"type"`
	After *trackedObject `json:"after"`
}

type trackedObject struct {
	ID           string   `json:"id"`
	Camera       string   `json:"camera"`
	Label        string   `json:"label"`
	TopScore     float64  `json:"top_score"`
	Score        float64  `json:"score"`
	FrameTime    float64  `json:"frame_time"`
	StartTime    float64  `json:"start_time"`
	EnteredZones []string `json:"entered_zones"`
	CurrentZones []string `json:"current_zones"`
}

// Bridge subscribes to the Frigate events topic and feeds the detection
// and entity stores.
type Bridge struct {
	cfg        config.MQTTConfig
	log        *zap.Logger
	detections *detection.Store
	entities   *entity.Store
	submitter  Submitter
	bus        *events.Bus

	client mqtt.Client
}

// New builds the bridge and its MQTT client. The client connects when
// Run is called.
func New(cfg config.MQTTConfig, detections *detection.Store, entities *entity.Store, sub Submitter, bus *events.Bus, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		cfg:        cfg,
		log:        log.Named("frigate"),
		detections: detections,
		entities:   entities,
		submitter:  sub,
		bus:        bus,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID + "-frigate").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	b.client = mqtt.NewClient(opts)
	return b
}

// Run connects and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	go func() {
		tok := b.client.Connect()
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.log.Error("connect failed", zap.String("broker", b.cfg.BrokerURL), zap.Error(err))
		}
	}()
	<-ctx.Done()
	b.client.Disconnect(250)
	b.setStatus(false)
	return ctx.Err()
}

// Connected reports whether the MQTT connection is currently open.
func (b *Bridge) Connected() bool {
	return b.client.IsConnectionOpen()
}

func (b *Bridge) onConnect(client mqtt.Client) {
	topic := b.cfg.FrigateTopic
	tok := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		b.HandleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		b.log.Info("subscribed", zap.String("topic", topic))
	}()
	b.setStatus(true)
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.log.Warn("connection lost", zap.Error(err))
	b.setStatus(false)
}

func (b *Bridge) setStatus(connected bool) {
	metrics.RecordIntegration(source, connected)
	evtType := events.IntegrationConnected
	summary := "frigate connected"
	if !connected {
		evtType = events.IntegrationDisconnected
		summary = "frigate disconnected"
	}
	b.bus.Publish(events.Event{Type: evtType, Subject: source, Summary: summary})
}

// HandleMessage is the entry point called by the MQTT client for every
// message on the Frigate events topic.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	var evt frigateEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		b.log.Debug("undecodable event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if evt.After == nil || evt.After.Camera == "" || evt.After.Label == "" {
		return
	}
	switch evt.Type {
	case "new", "update", "end":
	default:
		return
	}

	obj := evt.After
	observed := epochToTime(obj.FrameTime)
	if observed.IsZero() {
		observed = epochToTime(obj.StartTime)
	}
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	d := detection.Detection{
		Provider:   source,
		EventID:    obj.ID,
		Camera:     obj.Camera,
		Label:      obj.Label,
		Zones:      unionZones(obj.EnteredZones, obj.CurrentZones),
		Confidence: confidencePct(obj),
		ObservedAt: observed,
	}
	if err := b.detections.Upsert(d); err != nil {
		b.log.Error("record detection",
			zap.String("camera", obj.Camera),
			zap.String("label", obj.Label),
			zap.Error(err))
		return
	}

	// Mirror the tracked object as an entity: on while the object is
	// live, off once the event ends. The falling edge re-arms
	// edge-gated rules for the next detection.
	state := "on"
	if evt.Type == "end" {
		state = "off"
	}
	entityID := "binary_sensor." + sanitize(obj.Camera) + "_" + sanitize(obj.Label)
	attrs := map[string]any{
		"camera":         obj.Camera,
		"label":          obj.Label,
		"event_id":       obj.ID,
		"confidence_pct": d.Confidence,
		"zones":          d.Zones,
	}
	res, err := b.entities.Upsert(entityID, state, observed, source, attrs)
	if err != nil {
		b.log.Error("upsert entity", zap.String("entity", entityID), zap.Error(err))
		return
	}
	if res.Changed {
		b.submitter.Submit(source, []string{entityID}, &observed)
	}
}

// confidencePct converts Frigate's 0..1 scores to a percentage, taking
// whichever of top_score and score is higher.
func confidencePct(obj *trackedObject) float64 {
	score := obj.TopScore
	if obj.Score > score {
		score = obj.Score
	}
	pct := score * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func unionZones(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, z := range append(append([]string{}, a...), b...) {
		if z == "" {
			continue
		}
		if _, dup := seen[z]; dup {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, z)
	}
	return out
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

func epochToTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC()
}
