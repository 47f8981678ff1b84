// Package zigbee2mqtt bridges a zigbee2mqtt MQTT tree into the entity
// store and exposes the set-topic gateway used by device actions.
//
// Device state topics (<prefix>/<device>) are mapped onto entities by
// payload shape: known binary channels become binary_sensor entities,
// payloads with a state string become lights (when brightness is
// present) or switches. Payloads that match none of these are skipped;
// bridge topics and command echoes are ignored outright.
package zigbee2mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/config"
	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
	"github.com/hearthside-labs/vigil/internal/telemetry"
)

const (
	source         = "zigbee2mqtt"
	publishTimeout = 5 * time.Second
)

// Submitter receives changed entity ids for rule dispatch.
type Submitter interface {
	Submit(source string, entityIDs []string, changedAt *time.Time)
}

// Publisher sends a payload to an MQTT topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type pahoPublisher struct {
	client mqtt.Client
}

func (p pahoPublisher) Publish(topic string, payload []byte) error {
	tok := p.client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return tok.Error()
}

// Bridge subscribes to the zigbee2mqtt topic tree and translates device
// reports into entity upserts.
type Bridge struct {
	cfg       config.MQTTConfig
	log       *zap.Logger
	entities  *entity.Store
	submitter Submitter
	bus       *events.Bus

	client mqtt.Client
	pub    Publisher
}

// New builds the bridge and its MQTT client. The client connects when
// Run is called.
func New(cfg config.MQTTConfig, entities *entity.Store, sub Submitter, bus *events.Bus, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		cfg:       cfg,
		log:       log.Named("zigbee2mqtt"),
		entities:  entities,
		submitter: sub,
		bus:       bus,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID + "-z2m").
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
	b.pub = pahoPublisher{client: b.client}
	return b
}

// Run connects and blocks until ctx is cancelled. Reconnects are
// handled by the MQTT client itself.
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
	topic := b.cfg.Zigbee2mqttTopic + "/#"
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
	summary := "zigbee2mqtt connected"
	if !connected {
		evtType = events.IntegrationDisconnected
		summary = "zigbee2mqtt disconnected"
	}
	b.bus.Publish(events.Event{Type: evtType, Subject: source, Summary: summary})
}

// HandleMessage is the entry point called by the MQTT client for every
// message under the zigbee2mqtt prefix.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	name, ok := b.deviceTopic(topic)
	if !ok {
		return
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		b.log.Debug("non-object payload", zap.String("topic", topic))
		return
	}

	entityID, state, ok := mapDevice(name, body)
	if !ok {
		b.log.Debug("unmapped device payload", zap.String("device", name))
		return
	}

	at := time.Now().UTC()
	if ts, ok := parseLastSeen(body["last_seen"]); ok {
		at = ts
	}
	// The set topic needs the original device name, which sanitizing
	// may have mangled.
	if _, exists := body["friendly_name"]; !exists {
		body["friendly_name"] = name
	}

	res, err := b.entities.Upsert(entityID, state, at, source, body)
	if err != nil {
		b.log.Error("upsert entity", zap.String("entity", entityID), zap.Error(err))
		return
	}
	if res.Changed {
		b.submitter.Submit(source, []string{entityID}, &at)
	}
}

// deviceTopic extracts the device name from a state topic, rejecting
// bridge traffic, command echoes, and availability updates.
func (b *Bridge) deviceTopic(topic string) (string, bool) {
	prefix := b.cfg.Zigbee2mqttTopic + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	if rest == "" || rest == "bridge" || strings.HasPrefix(rest, "bridge/") {
		return "", false
	}
	for _, suffix := range []string{"/set", "/get", "/availability"} {
		if strings.HasSuffix(rest, suffix) {
			return "", false
		}
	}
	return rest, true
}

// binaryChannels are checked in order; the first key present in the
// payload decides the entity. contact is inverted: true means closed.
var binaryChannels = []struct {
	key      string
	inverted bool
}{
	{key: "contact", inverted: true},
	{key: "occupancy"},
	{key: "smoke"},
	{key: "water_leak"},
	{key: "gas"},
	{key: "vibration"},
	{key: "tamper"},
}

func mapDevice(name string, payload map[string]any) (entityID, state string, ok bool) {
	san := sanitizeName(name)

	for _, ch := range binaryChannels {
		v, present := payload[ch.key]
		if !present {
			continue
		}
		b, isBool := v.(bool)
		if !isBool {
			continue
		}
		if ch.inverted {
			b = !b
		}
		state = "off"
		if b {
			state = "on"
		}
		return "binary_sensor." + san, state, true
	}

	if raw, present := payload["state"]; present {
		s, isString := raw.(string)
		if !isString || s == "" {
			return "", "", false
		}
		if _, hasBrightness := payload["brightness"]; hasBrightness {
			return "light." + san, strings.ToLower(s), true
		}
		return "switch." + san, strings.ToLower(s), true
	}

	return "", "", false
}

func sanitizeName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// parseLastSeen handles both last_seen formats zigbee2mqtt can emit:
// ISO_8601 strings and epoch milliseconds.
func parseLastSeen(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC(), true
		}
	case float64:
		if t > 0 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
	}
	return time.Time{}, false
}

// SetLight publishes a state command for a light, with optional
// brightness.
func (b *Bridge) SetLight(ctx context.Context, entityID, state string, brightness *int) error {
	body := map[string]any{"state": strings.ToUpper(state)}
	if brightness != nil {
		body["brightness"] = *brightness
	}
	return b.command(ctx, entityID, body)
}

// SetSwitch publishes an on/off command for a switch.
func (b *Bridge) SetSwitch(ctx context.Context, entityID, state string) error {
	return b.command(ctx, entityID, map[string]any{"state": strings.ToUpper(state)})
}

// SetValue publishes an arbitrary command payload. Maps go out as-is,
// anything else is wrapped in a value field.
func (b *Bridge) SetValue(ctx context.Context, entityID string, value any) error {
	if m, isMap := value.(map[string]any); isMap {
		return b.command(ctx, entityID, m)
	}
	return b.command(ctx, entityID, map[string]any{"value": value})
}

func (b *Bridge) command(ctx context.Context, entityID string, body map[string]any) error {
	_, span := telemetry.StartGatewaySpan(ctx, source, "set")
	var err error
	defer func() { telemetry.EndGatewaySpan(span, err) }()

	var payload []byte
	payload, err = json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	err = b.pub.Publish(b.setTopic(entityID), payload)
	return err
}

// setTopic rebuilds the device's command topic, preferring the stored
// friendly_name over the sanitized entity name.
func (b *Bridge) setTopic(entityID string) string {
	name := entity.NameOf(entityID)
	if e, err := b.entities.Get(entityID); err == nil {
		if fn, isString := e.Attributes["friendly_name"].(string); isString && fn != "" {
			name = fn
		}
	}
	return b.cfg.Zigbee2mqttTopic + "/" + name + "/set"
}
