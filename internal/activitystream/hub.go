// Package activitystream implements the operator-facing /debug/stream
// websocket tail (SPEC_FULL.md §2b): one hub fans posted activities out to
// any number of subscribers watching a given session, grounded in the
// teacher's streaming hub pattern (register/unregister/broadcast channels).
package activitystream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/logger"
)

// Frame is one line of the activity tail sent to subscribers.
type Frame struct {
	SessionID   string `json:"sessionId"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
	Ephemeral   bool   `json:"ephemeral"`
}

// Client is one connected /debug/stream websocket subscriber.
type Client struct {
	id        string
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	hub       *Hub
	log       *logger.Logger
}

// NewClient wraps an already-upgraded websocket connection.
func NewClient(id string, conn *websocket.Conn, sessionID string, hub *Hub, log *logger.Logger) *Client {
	return &Client{id: id, conn: conn, sessionID: sessionID, send: make(chan []byte, 256), hub: hub, log: log}
}

// WritePump drains send onto the websocket connection until it is closed.
// Callers should run this in its own goroutine.
func (c *Client) WritePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.hub.Unregister(c)
			return
		}
	}
	c.conn.Close()
}

// ReadPump discards anything the client sends (this is a one-way tail) but
// must keep reading so control frames (ping/close) are processed and a
// client-initiated disconnect is detected promptly.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub fans Frames out to every Client watching the frame's session.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	bySession  map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Frame
	log        *logger.Logger
}

// NewHub creates an idle Hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		bySession:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Frame, 256),
		log:        log,
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.bySession = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.bySession[client.sessionID] == nil {
				h.bySession[client.sessionID] = make(map[*Client]bool)
			}
			h.bySession[client.sessionID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				if set, ok := h.bySession[client.sessionID]; ok {
					delete(set, client)
					if len(set) == 0 {
						delete(h.bySession, client.sessionID)
					}
				}
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.mu.RLock()
			subscribers := h.bySession[frame.SessionID]
			h.mu.RUnlock()
			if len(subscribers) == 0 {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				h.log.Error("failed to marshal activity frame", zap.Error(err))
				continue
			}
			for client := range subscribers {
				select {
				case client.send <- data:
				default:
					// Client send buffer is full: drop it inline rather than
					// calling Unregister, which would deadlock this goroutine
					// on the unbuffered channel.
					h.mu.Lock()
					delete(h.clients, client)
					close(client.send)
					if set, ok := h.bySession[client.sessionID]; ok {
						delete(set, client)
						if len(set) == 0 {
							delete(h.bySession, client.sessionID)
						}
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Publish fans a Frame out to every subscriber of its session.
func (h *Hub) Publish(frame Frame) { h.broadcast <- frame }

// SubscriberCount returns how many clients are watching sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// Publisher adapts a Hub to session.DebugPublisher so a Coordinator can tail
// its posted activities without that package importing this one.
type Publisher struct {
	hub *Hub
}

// NewPublisher wraps hub for use as a session.DebugPublisher.
func NewPublisher(hub *Hub) *Publisher { return &Publisher{hub: hub} }

// Publish implements session.DebugPublisher.
func (p *Publisher) Publish(sessionID, contentType, body string, ephemeral bool) {
	p.hub.Publish(Frame{SessionID: sessionID, ContentType: contentType, Body: body, Ephemeral: ephemeral})
}
