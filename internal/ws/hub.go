package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mednotify/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

// Conn is one registered client connection. A user may hold several at once
// (tabs, devices).
type Conn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	once   sync.Once
}

// Hub maintains the live-connection map keyed by user id. Connect and
// disconnect events interleave continuously with broadcasts, so every map
// access goes through the lock; none of the websocket I/O happens under it.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]map[*Conn]struct{}
	onConnect func(userID string)
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[*Conn]struct{}),
		logger: logger,
	}
}

// SetConnectHook registers the callback run (in its own goroutine) each time
// a user gains a connection. The dispatcher uses it to flush deferred web
// deliveries.
func (h *Hub) SetConnectHook(fn func(userID string)) {
	h.onConnect = fn
}

// Register attaches an authenticated connection and starts its pumps.
func (h *Hub) Register(userID string, wsConn *websocket.Conn) *Conn {
	c := &Conn{
		userID: userID,
		ws:     wsConn,
		send:   make(chan []byte, sendBufferSize),
		hub:    h,
	}

	h.mu.Lock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
	total := len(set)
	h.mu.Unlock()

	metrics.LiveConnections.Inc()
	h.logger.Info("Connection registered",
		zap.String("user_id", userID),
		zap.Int("user_connections", total),
	)

	go c.writePump()
	go c.readPump()

	if h.onConnect != nil {
		go h.onConnect(userID)
	}
	return c
}

// unregister removes the connection and closes its send channel under the
// same lock, so no broadcast can race the close. The last connection for a
// user drops the map entry entirely so no empty sets dangle.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			close(c.send)
			metrics.LiveConnections.Dec()
		}
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()

	h.logger.Info("Connection unregistered", zap.String("user_id", c.userID))
}

// IsConnected reports whether the user has at least one open connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// Broadcast delivers the payload to every currently-open connection for the
// user and returns how many were attempted. A connection whose buffer is
// full or that has died mid-send is skipped; its own close handler removes
// it. No delivery guarantee exists when the user has no connection.
func (h *Hub) Broadcast(userID string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast payload",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return 0
	}

	// Sends happen under the read lock: they are non-blocking, and holding
	// it excludes unregister's close of any send channel.
	h.mu.RLock()
	sent := 0
	for c := range h.conns[userID] {
		select {
		case c.send <- data:
			sent++
		default:
			// Slow consumer; skip rather than block the dispatcher.
			h.logger.Warn("Dropping broadcast for saturated connection",
				zap.String("user_id", userID),
			)
		}
	}
	h.mu.RUnlock()
	return sent
}

// ConnectionCount is used by the admin surface.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// TotalConnections counts open connections across all users.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}

// Close tears down every live connection; part of process shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Conn, 0)
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(4 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// The feed is push-only; inbound frames are drained for control flow.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
