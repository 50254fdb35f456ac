package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// InboundFunc receives every message a client sends, except keepalive pings.
type InboundFunc func(clientID string, msg Message)

// Hub keeps the set of connected clients and fans broadcasts out to them.
type Hub struct {
	log       *slog.Logger
	onMessage InboundFunc
	upgrader  websocket.Upgrader

	clients   map[*Client]struct{}
	broadcast chan Message
	mu        sync.RWMutex
}

// NewHub returns a hub; onMessage may be nil when clients only listen.
func NewHub(log *slog.Logger, onMessage InboundFunc) *Hub {
	return &Hub{
		log:       log,
		onMessage: onMessage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      sameOrigin,
		},
		clients:   make(map[*Client]struct{}),
		broadcast: make(chan Message, 64),
	}
}

// sameOrigin accepts requests without an Origin header (server-side
// collaborators) and browser requests from the relay's own origin.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Broadcast queues msg for every client. It never blocks; false means the
// queue was full and the message was dropped. The periodic broadcast makes
// a dropped message harmless.
func (h *Hub) Broadcast(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.log.Warn("broadcast queue full, message dropped", slog.String("type", msg.Type))
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve implements suture.Service. On shutdown every client is closed.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.closeAll()
			h.log.Info("notification hub stopped", slog.Int("clients_closed", n))
			return ctx.Err()
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) String() string {
	return "notification-hub"
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("notification client connected", slog.String("client_id", c.id), slog.Int("total_clients", n))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("notification client disconnected", slog.String("client_id", c.id), slog.Int("total_clients", n))
}

func (h *Hub) fanOut(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// slow consumer
			close(c.send)
			delete(h.clients, c)
			h.log.Warn("notification client too slow, dropped", slog.String("client_id", c.id))
		}
	}
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.clients)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	return n
}

// ServeWS upgrades the request and attaches a new client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn)
	h.add(c)
	c.start()
}

func (h *Hub) deliver(c *Client, msg Message) {
	if h.onMessage == nil {
		return
	}
	h.onMessage(c.id, msg)
}
