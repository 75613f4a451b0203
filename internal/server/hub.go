package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loppo-llc/runner/internal/permission"
	"github.com/loppo-llc/runner/internal/session"
)

// clientQueue bounds the frames waiting for one connection's writer.
const clientQueue = 256

type outputMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

type eventMsg struct {
	Type     string            `json:"type"`
	Event    session.EventType `json:"event"`
	ID       string            `json:"id"`
	ExitCode *int              `json:"exitCode,omitempty"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// client is one WebSocket connection. It is bound to a single user and is
// attached to at most one session's output at a time.
type client struct {
	id     string
	user   permission.User
	ws     *websocket.Conn
	queue  chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	reason    string

	mu       sync.Mutex
	attached *session.Session
}

func newClient(ws *websocket.Conn, user permission.User, logger *slog.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		user:   user,
		ws:     ws,
		queue:  make(chan []byte, clientQueue),
		done:   make(chan struct{}),
		logger: logger.With("client", id, "user", user.Username),
	}
}

// enqueue reports false when the queue is full. Frames for a closed
// client are dropped.
func (c *client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.queue <- b:
		return true
	default:
		return false
	}
}

func (c *client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Debug("marshal frame failed", "err", err)
		return
	}
	if !c.enqueue(b) {
		c.Close("client queue overflow")
	}
}

func (c *client) sendError(msg string) {
	c.sendJSON(errorMsg{Type: "error", Message: msg})
}

// Send implements session.Subscriber.
func (c *client) Send(id string, data []byte) bool {
	b, err := json.Marshal(outputMsg{Type: "output", ID: id, Data: string(data)})
	if err != nil {
		return true
	}
	return c.enqueue(b)
}

// Close implements session.Subscriber. The writer performs the close
// handshake with reason.
func (c *client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *client) attach(s *session.Session) bool {
	c.detach()
	c.mu.Lock()
	c.attached = s
	c.mu.Unlock()
	if !s.Subscribe(c) {
		c.mu.Lock()
		c.attached = nil
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *client) detach() {
	c.mu.Lock()
	s := c.attached
	c.attached = nil
	c.mu.Unlock()
	if s != nil {
		s.Unsubscribe(c)
	}
}

func (c *client) attachedTo(s *session.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached == s
}

// Hub tracks every open connection for broadcasts.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		list = append(list, c)
	}
	return list
}

// Broadcast sends v to every connection whose id is not in exclude.
func (h *Hub) Broadcast(v any, exclude map[string]bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, c := range h.snapshot() {
		if exclude[c.id] {
			continue
		}
		if !c.enqueue(b) {
			c.Close("client queue overflow")
		}
	}
}

// SubscribersOf returns the ids of connections attached to s.
func (h *Hub) SubscribersOf(s *session.Session) []string {
	var ids []string
	for _, c := range h.snapshot() {
		if c.attachedTo(s) {
			ids = append(ids, c.id)
		}
	}
	return ids
}

// SendTo sends v to the named connections.
func (h *Hub) SendTo(ids []string, v any) {
	if len(ids) == 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		if !c.enqueue(b) {
			c.Close("client queue overflow")
		}
	}
}

// PublishEvent broadcasts a lifecycle event to every connection.
func (h *Hub) PublishEvent(ev session.Event) {
	h.Broadcast(eventMsg{Type: "event", Event: ev.Type, ID: ev.ID, ExitCode: ev.ExitCode}, nil)
}
