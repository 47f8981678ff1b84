// Package broadcast pushes controller state changes to websocket
// subscribers: alarm transitions and entity sync results, each wrapped
// in a sequenced message envelope. Delivery is best-effort; a failing
// client is dropped, never waited on.
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins. Authentication happens before the
	// upgrade in the HTTP layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	readWait  = 90 * time.Second
	pingEvery = 30 * time.Second
	writeWait = 5 * time.Second
)

// client is one connected subscriber. The mutex serializes writes; the
// gorilla connection allows only one concurrent writer.
type client struct {
	id        string
	conn      *websocket.Conn
	connected time.Time
	mu        sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub manages the connected websocket clients. Clients are receive-only
// subscribers; anything they send is discarded.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*client),
		log:     log.Named("ws"),
	}
}

// HandleWS upgrades the request and holds the connection until the
// client disconnects or stops answering pings.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, connected: time.Now().UTC()}

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
	h.log.Info("websocket client connected",
		zap.String("client_id", c.id),
		zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		h.drop(c.id)
		h.log.Info("websocket client disconnected", zap.String("client_id", c.id))
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for range ticker.C {
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	// The read loop exists to notice the close and to service pongs.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		_ = c.conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
}

// Send delivers data to every connected client. A client whose write
// fails or times out is dropped so it never blocks the rest.
func (h *Hub) Send(data []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			h.log.Warn("websocket send failed, dropping client",
				zap.String("client_id", c.id),
				zap.Error(err))
			h.drop(c.id)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
