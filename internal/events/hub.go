package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	sendQueueSize = 64
)

// clientMessage is the envelope clients send over the socket.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// client is one connected subscriber.
type client struct {
	socketID string
	conn     *websocket.Conn
	send     chan Event

	mu       sync.Mutex
	userName string
	closed   bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) setUserName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userName = name
}

func (c *client) getUserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userName
}

// Hub owns all websocket subscribers and fans events out to them.
// Delivery is best-effort: a subscriber whose send queue is full loses
// the event rather than blocking the producer.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	// OnIdentify is called when a client introduces itself.
	OnIdentify func(socketID, userName string)
	// OnDisconnect is called after a client goes away.
	OnDisconnect func(socketID string)
	// OnQueueSubmit handles a queue:submit frame.
	OnQueueSubmit func(socketID string, payload json.RawMessage)
	// OnQueueCancel handles a queue:cancel frame.
	OnQueueCancel func(socketID string, payload json.RawMessage)
	// OnQueueStatus handles a queue:status frame.
	OnQueueStatus func(socketID string)
	// OnDrop observes dropped events, keyed by event type.
	OnDrop func(eventType string)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  slog.Default().With("component", "events"),
		clients: make(map[string]*client),
	}
}

// HandleWS upgrades an HTTP request into an event subscription.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	c := &client{
		socketID: uuid.New().String(),
		conn:     conn,
		send:     make(chan Event, sendQueueSize),
	}

	h.mu.Lock()
	h.clients[c.socketID] = c
	h.mu.Unlock()

	h.logger.Info("client connected", "socket_id", c.socketID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.disconnect(c)

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "socket_id", c.socketID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.SendTo(c.socketID, Error, map[string]string{"message": "malformed message"})
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) dispatch(c *client, msg clientMessage) {
	switch msg.Type {
	case ClientUserIdentify:
		var payload struct {
			UserName string `json:"userName"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.UserName == "" {
			h.SendTo(c.socketID, Error, map[string]string{"message": "user:identify requires userName"})
			return
		}
		c.setUserName(payload.UserName)
		if h.OnIdentify != nil {
			h.OnIdentify(c.socketID, payload.UserName)
		}
		h.SendTo(c.socketID, UserIdentified, map[string]string{
			"socketId": c.socketID,
			"userName": payload.UserName,
		})

	case ClientPing:
		h.SendTo(c.socketID, Pong, nil)

	case ClientQueueSubmit:
		if h.OnQueueSubmit != nil {
			h.OnQueueSubmit(c.socketID, msg.Data)
		}

	case ClientQueueCancel:
		if h.OnQueueCancel != nil {
			h.OnQueueCancel(c.socketID, msg.Data)
		}

	case ClientQueueStatus:
		if h.OnQueueStatus != nil {
			h.OnQueueStatus(c.socketID)
		}

	default:
		h.SendTo(c.socketID, Error, map[string]string{"message": "unknown message type " + msg.Type})
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Error("failed to send event", "socket_id", c.socketID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	_, present := h.clients[c.socketID]
	delete(h.clients, c.socketID)
	h.mu.Unlock()

	c.close()
	c.conn.Close()

	if present {
		h.logger.Info("client disconnected", "socket_id", c.socketID, "user", c.getUserName())
		if h.OnDisconnect != nil {
			h.OnDisconnect(c.socketID)
		}
	}
}

// Broadcast fans an event out to every subscriber.
func (h *Hub) Broadcast(eventType string, data any) {
	ev := Event{Type: eventType, Timestamp: time.Now(), Data: data}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, ev)
	}
}

// SendTo delivers an event to one subscriber, if connected.
func (h *Hub) SendTo(socketID, eventType string, data any) {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(c, Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

func (h *Hub) deliver(c *client, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		if h.OnDrop != nil {
			h.OnDrop(ev.Type)
		}
	}
}

// UserName returns the identity a socket registered with.
func (h *Hub) UserName(socketID string) (string, bool) {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return "", false
	}
	return c.getUserName(), true
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		targets = append(targets, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
		c.conn.Close()
	}
}
