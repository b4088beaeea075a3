package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kljama/fleetmon/internal/models"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	wsPongTimeout   = 75 * time.Second
	wsSendQueueSize = 64
)

// wsMessage is the envelope pushed to every connected dashboard.
type wsMessage struct {
	Stream  string `json:"stream"` // "state" or "problems"
	Payload any    `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
}

// Hub fans broker events out to websocket subscribers. Slow clients get
// disconnected rather than backpressuring the broadcast path.
type Hub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu        sync.Mutex
	clients   map[*wsClient]struct{}
	broadcast chan wsMessage
	done      chan struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins on the intranet.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:       log,
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan wsMessage, 256),
		done:      make(chan struct{}),
	}
}

// Run pumps broadcasts to clients until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Queue full: the client stopped reading.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastState queues a device state event for all clients. Never blocks;
// drops the event when the hub itself is saturated.
func (h *Hub) BroadcastState(ev models.StateEvent) {
	h.enqueue(wsMessage{Stream: "state", Payload: ev})
}

// BroadcastProblem queues a problem lifecycle event for all clients.
func (h *Hub) BroadcastProblem(ev models.ProblemEvent) {
	h.enqueue(wsMessage{Stream: "problems", Payload: ev})
}

func (h *Hub) enqueue(msg wsMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Str("stream", msg.Stream).Msg("Websocket broadcast queue full, event dropped")
	}
}

// ClientCount reports connected subscribers, exposed for health reporting.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleUpgrade upgrades the request and registers the connection.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan wsMessage, wsSendQueueSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Websocket client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// writePump serializes all writes to one connection. gorilla permits a single
// concurrent writer, so pings go through here as well.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Error().Err(err).Msg("Websocket message marshal failed")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		case <-h.done:
			return
		}
	}
}

// readPump discards inbound frames and keeps the pong deadline fresh. The
// stream is one-way; a read error means the client is gone.
func (h *Hub) readPump(c *wsClient) {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
