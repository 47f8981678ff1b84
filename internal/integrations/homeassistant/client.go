// Package homeassistant maintains a websocket connection to a Home
// Assistant instance: it ingests state_changed events into the entity
// store, runs full entity syncs, and exposes the call_service gateway
// used by ha_call_service actions.
package homeassistant

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
)

const (
	source = "home_assistant"

	heartbeatInterval = 30 * time.Second
	pongWait          = 70 * time.Second // slightly longer than heartbeat
	writeTimeout      = 10 * time.Second
	authTimeout       = 10 * time.Second
	callTimeout       = 15 * time.Second
	maxReconnectDelay = 5 * time.Minute
	authRetryDelay    = 30 * time.Second
)

// Submitter receives entity change reports for rule dispatch.
type Submitter interface {
	Submit(source string, entityIDs []string, changedAt *time.Time)
}

// Client manages a persistent websocket connection to Home Assistant.
type Client struct {
	url   string
	token string
	log   *zap.Logger

	entities  *entity.Store
	submitter Submitter
	bus       *events.Bus

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	nextID    int64
	pending   map[int64]chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// envelope is the union of every message shape the server sends.
type envelope struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
	Event   *eventEnvelope  `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventEnvelope struct {
	EventType string          `json:"event_type"`
	Data      stateChangeData `json:"data"`
}

type stateChangeData struct {
	EntityID string   `json:"entity_id"`
	NewState *haState `json:"new_state"`
}

type haState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

type authInvalidError struct {
	message string
}

func (e *authInvalidError) Error() string {
	if e.message == "" {
		return "home assistant rejected the access token"
	}
	return "home assistant rejected the access token: " + e.message
}

// New creates a Home Assistant client. A nil logger is replaced with a nop.
func New(rawURL, token string, entities *entity.Store, sub Submitter, bus *events.Bus, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:       rawURL,
		token:     token,
		log:       log.Named("homeassistant"),
		entities:  entities,
		submitter: sub,
		bus:       bus,
		pending:   make(map[int64]chan callResult),
	}
}

// Connected reports whether the websocket connection is established and
// authenticated.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and maintains the websocket connection until ctx is
// cancelled. Reconnects automatically with exponential backoff; an
// invalid token backs off at a steady extended cadence instead, so a
// rotated token is picked up without a hot reconnect loop.
func (c *Client) Run(ctx context.Context) error {
	delay := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wasConnected, err := c.connectAndServe(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if wasConnected {
			delay = time.Second
		}

		var authErr *authInvalidError
		if errors.As(err, &authErr) {
			if delay < authRetryDelay {
				delay = authRetryDelay
			}
			c.log.Warn("home assistant rejected credentials, retrying with extended backoff",
				zap.String("remediation", "issue a new long-lived access token"),
				zap.Duration("backoff", delay),
			)
		} else {
			c.log.Warn("connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", delay),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		if errors.As(err, &authErr) {
			continue
		}

		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// jitter adds 0-50% random jitter to a duration to prevent thundering herd.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	endpoint, err := wsURL(c.url)
	if err != nil {
		return false, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.setStatus(true)

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.failPendingLocked(errors.New("connection closed"))
		c.mu.Unlock()
		c.setStatus(false)
	}()

	c.log.Info("connected to home assistant", zap.String("url", endpoint))

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	// The subscription and the connect-time sync wait on correlated
	// results, so they run beside the read loop rather than before it.
	go c.bootstrap(ctx)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn("invalid message", zap.Error(err))
			continue
		}
		c.route(&env)
	}
}

// authenticate performs the auth_required / auth / auth_ok handshake the
// server opens every connection with.
func (c *Client) authenticate(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))

	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected handshake message %q", hello.Type)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var result envelope
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch result.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return &authInvalidError{message: result.Message}
	default:
		return fmt.Errorf("unexpected auth result %q", result.Type)
	}
}

func (c *Client) bootstrap(ctx context.Context) {
	if _, err := c.call(ctx, map[string]any{"type": "subscribe_events", "event_type": "state_changed"}); err != nil {
		c.log.Warn("subscribe state_changed", zap.Error(err))
		return
	}
	if _, err := c.Sync(ctx); err != nil {
		c.log.Warn("connect-time entity sync", zap.Error(err))
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) route(env *envelope) {
	switch env.Type {
	case "result":
		res := callResult{result: env.Result}
		if !env.Success {
			msg := "call failed"
			if env.Error != nil {
				msg = env.Error.Message
			}
			res.err = fmt.Errorf("home assistant: %s", msg)
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- res
		}
	case "event":
		if env.Event != nil && env.Event.EventType == "state_changed" {
			c.handleStateChanged(env.Event.Data)
		}
	}
}

// call sends one correlated command and waits for its result.
func (c *Client) call(ctx context.Context, cmd map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.New("home assistant not connected")
	}
	c.nextID++
	id := c.nextID
	cmd["id"] = id

	data, err := json.Marshal(cmd)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal: %w", err)
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("write: %w", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	case <-time.After(callTimeout):
		c.dropPending(id)
		return nil, fmt.Errorf("home assistant call timed out after %s", callTimeout)
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked fails every in-flight call. Caller holds mu; the
// result channels are buffered so the sends never block.
func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) setStatus(connected bool) {
	metrics.RecordIntegration(source, connected)
	evtType := events.IntegrationConnected
	summary := "home assistant connected"
	if !connected {
		evtType = events.IntegrationDisconnected
		summary = "home assistant disconnected"
	}
	c.bus.Publish(events.Event{Type: evtType, Subject: source, Summary: summary})
}

// wsURL converts the configured base URL into the websocket API endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse home assistant url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported home assistant url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/websocket"
	}
	return u.String(), nil
}
