// Package chat fans chat room traffic out over websockets.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 16 << 10
	sendBufferSize = 64
	inboundTimeout = 5 * time.Second
)

// ErrHubClosed is returned by Serve once the hub has shut down.
var ErrHubClosed = errors.New("chat hub closed")

// InboundFunc handles a text frame received from a connected client.
// A returned error is sent back to that client only.
type InboundFunc func(ctx context.Context, payload []byte) error

// Hub keeps the websocket connections of every open room.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	closed bool
	wg     sync.WaitGroup
}

type client struct {
	hub    *Hub
	room   string
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

// NewHub accepts upgrades from the given origins; "*" allows any origin and
// requests without an Origin header are always accepted.
func NewHub(allowedOrigins []string, logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if _, ok := allowed["*"]; ok {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger: logger,
		rooms:  make(map[string]map[*client]struct{}),
	}
}

// Serve upgrades the request and joins the connection to room.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string, userID int64, inbound InboundFunc) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		hub:    h,
		room:   room,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	if !h.add(c) {
		conn.Close()
		return ErrHubClosed
	}

	h.wg.Add(2)
	go c.writePump()
	go c.readPump(inbound)
	h.logger.WithFields(logrus.Fields{"room": room, "user_id": userID}).Debug("chat client joined")
	return nil
}

// Broadcast queues payload for every client in room. Clients whose buffer is
// full miss the frame.
func (h *Hub) Broadcast(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- payload:
		default:
			h.logger.WithFields(logrus.Fields{"room": room, "user_id": c.userID}).Warn("dropping frame for slow chat client")
		}
	}
}

// Clients reports how many connections are joined to room.
func (h *Hub) Clients(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown disconnects every client and waits for their pumps to exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for room, clients := range h.rooms {
		for c := range clients {
			close(c.send)
		}
		delete(h.rooms, room)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	clients, ok := h.rooms[c.room]
	if !ok {
		clients = make(map[*client]struct{})
		h.rooms[c.room] = clients
	}
	clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.rooms, c.room)
	}
}

// reply queues a frame for this client alone.
func (c *client) reply(payload []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.rooms[c.room][c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) readPump(inbound InboundFunc) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.wg.Done()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithField("room", c.room).Debugf("chat read: %v", err)
			}
			return
		}
		if kind != websocket.TextMessage || inbound == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		err = inbound(ctx, payload)
		cancel()
		if err != nil {
			frame, _ := json.Marshal(map[string]string{"type": "error", "error": err.Error()})
			c.reply(frame)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
