// Package zwavejs maintains a websocket connection to a zwave-js-server
// instance. Value updates land in the entity store as
// zwave.node<id>_<property> entities, and the node.set_value command is
// exposed as the gateway used by zwave_set_value actions.
package zwavejs

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
	"github.com/hearthside-labs/vigil/internal/telemetry"
)

const (
	source = "zwavejs"

	// Highest API schema this client understands; the handshake settles
	// on the server's maximum when it is lower.
	maxSchemaVersion = 35

	heartbeatInterval = 30 * time.Second
	pongWait          = 70 * time.Second
	writeTimeout      = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	callTimeout       = 15 * time.Second
	maxReconnectDelay = 5 * time.Minute
)

// Submitter receives changed entity ids for rule dispatch.
type Submitter interface {
	Submit(source string, entityIDs []string, changedAt *time.Time)
}

// Client connects to a zwave-js-server websocket and mirrors node
// values into the entity store.
type Client struct {
	url       string
	log       *zap.Logger
	entities  *entity.Store
	submitter Submitter
	bus       *events.Bus

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

type envelope struct {
	Type             string          `json:"type"`
	MessageID        string          `json:"messageId"`
	Success          bool            `json:"success"`
	Result           json.RawMessage `json:"result"`
	ErrorCode        string          `json:"errorCode"`
	Message          string          `json:"message"`
	MaxSchemaVersion int             `json:"maxSchemaVersion"`
	Event            *eventEnvelope  `json:"event"`
}

type eventEnvelope struct {
	Source string          `json:"source"`
	Event  string          `json:"event"`
	NodeID int             `json:"nodeId"`
	Args   json.RawMessage `json:"args"`
}

type valueArgs struct {
	CommandClassName string `json:"commandClassName"`
	Property         any    `json:"property"`
	PropertyName     string `json:"propertyName"`
	Endpoint         int    `json:"endpoint"`
	NewValue         any    `json:"newValue"`
	PrevValue        any    `json:"prevValue"`
}

// New builds a client for the given zwave-js-server URL.
func New(rawURL string, entities *entity.Store, sub Submitter, bus *events.Bus, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:       rawURL,
		log:       log.Named("zwavejs"),
		entities:  entities,
		submitter: sub,
		bus:       bus,
		pending:   make(map[string]chan callResult),
	}
}

// Connected reports whether the websocket is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. A connection that survived long enough to serve
// traffic resets the delay.
func (c *Client) Run(ctx context.Context) error {
	delay := time.Second
	for {
		wasConnected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.log.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", delay))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter(delay)):
		}
		if wasConnected {
			delay = time.Second
		} else {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}
}

// jitter returns a random extra delay up to half of d.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	target, err := wsURL(c.url)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", target, err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.setStatus(true)
	c.log.Info("connected", zap.String("url", target))

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.failPendingLocked(errors.New("connection closed"))
		c.mu.Unlock()
		c.setStatus(false)
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("undecodable message", zap.Error(err))
			continue
		}
		c.route(&env)
	}
}

// handshake runs the version exchange: read the server hello, pin the
// API schema, then start listening. Events only flow after the
// start_listening result, so the exchange can stay synchronous.
func (c *Client) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read server hello: %w", err)
	}
	if hello.Type != "version" {
		return fmt.Errorf("expected version hello, got %q", hello.Type)
	}
	schema := maxSchemaVersion
	if hello.MaxSchemaVersion > 0 && hello.MaxSchemaVersion < schema {
		schema = hello.MaxSchemaVersion
	}

	if _, err := c.exchange(conn, map[string]any{
		"command":       "set_api_schema",
		"schemaVersion": schema,
	}); err != nil {
		return fmt.Errorf("set_api_schema: %w", err)
	}

	result, err := c.exchange(conn, map[string]any{"command": "start_listening"})
	if err != nil {
		return fmt.Errorf("start_listening: %w", err)
	}

	// The initial state dump only tells us the network size; entity
	// state builds up from value updates.
	var state struct {
		State struct {
			Nodes []json.RawMessage `json:"nodes"`
		} `json:"state"`
	}
	if err := json.Unmarshal(result, &state); err == nil {
		c.log.Info("listening",
			zap.Int("schema", schema),
			zap.Int("nodes", len(state.State.Nodes)))
	}
	return nil
}

// exchange sends one command and reads its result during the
// handshake, before the read loop owns the connection.
func (c *Client) exchange(conn *websocket.Conn, cmd map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	cmd["messageId"] = id
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var res envelope
	if err := conn.ReadJSON(&res); err != nil {
		return nil, err
	}
	if res.Type != "result" || res.MessageID != id {
		return nil, fmt.Errorf("unexpected reply type %q", res.Type)
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", res.ErrorCode, res.Message)
	}
	return res.Result, nil
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) route(env *envelope) {
	switch env.Type {
	case "result":
		c.mu.Lock()
		ch, ok := c.pending[env.MessageID]
		if ok {
			delete(c.pending, env.MessageID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if env.Success {
			ch <- callResult{result: env.Result}
		} else {
			ch <- callResult{err: fmt.Errorf("%s: %s", env.ErrorCode, env.Message)}
		}
	case "event":
		if env.Event == nil {
			return
		}
		if env.Event.Source == "node" && env.Event.Event == "value updated" {
			c.handleValueUpdate(env.Event.NodeID, env.Event.Args)
		}
	}
}

func (c *Client) handleValueUpdate(nodeID int, args json.RawMessage) {
	var a valueArgs
	if err := json.Unmarshal(args, &a); err != nil {
		c.log.Debug("undecodable value update", zap.Int("node", nodeID), zap.Error(err))
		return
	}

	prop := sanitize(a.PropertyName)
	if prop == "" && a.Property != nil {
		prop = sanitize(fmt.Sprint(a.Property))
	}
	if prop == "" {
		return
	}
	state, ok := stateString(a.NewValue)
	if !ok {
		return
	}

	entityID := fmt.Sprintf("zwave.node%d_%s", nodeID, prop)
	attrs := map[string]any{
		"node_id":       nodeID,
		"command_class": a.CommandClassName,
		"property":      a.PropertyName,
		"endpoint":      a.Endpoint,
		"new_value":     a.NewValue,
		"prev_value":    a.PrevValue,
	}
	at := time.Now().UTC()
	res, err := c.entities.Upsert(entityID, state, at, source, attrs)
	if err != nil {
		c.log.Error("upsert entity", zap.String("entity", entityID), zap.Error(err))
		return
	}
	if res.Changed {
		c.submitter.Submit(source, []string{entityID}, &at)
	}
}

// stateString renders a reported value as entity state. Booleans map to
// on/off, numbers print without exponent, strings pass through.
func stateString(v any) (string, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return "on", true
		}
		return "off", true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	}
	return "", false
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// SetValue sends node.set_value and waits for the server's result, so
// a rejected command fails the action rather than vanishing.
func (c *Client) SetValue(ctx context.Context, nodeID int, valueID map[string]any, value any) error {
	ctx, span := telemetry.StartGatewaySpan(ctx, source, "set_value")
	var err error
	defer func() { telemetry.EndGatewaySpan(span, err) }()

	_, err = c.call(ctx, map[string]any{
		"command": "node.set_value",
		"nodeId":  nodeID,
		"valueId": valueID,
		"value":   value,
	})
	return err
}

func (c *Client) call(ctx context.Context, cmd map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errors.New("zwave-js-server not connected")
	}
	id := uuid.NewString()
	cmd["messageId"] = id
	data, err := json.Marshal(cmd)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("write command: %w", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	case <-time.After(callTimeout):
		c.dropPending(id)
		return nil, fmt.Errorf("command %q timed out", cmd["command"])
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) setStatus(connected bool) {
	metrics.RecordIntegration(source, connected)
	evtType := events.IntegrationConnected
	summary := "zwave-js-server connected"
	if !connected {
		evtType = events.IntegrationDisconnected
		summary = "zwave-js-server disconnected"
	}
	c.bus.Publish(events.Event{Type: evtType, Subject: source, Summary: summary})
}

// wsURL normalizes the configured URL onto a websocket scheme.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse zwave-js-server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported zwave-js-server url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
