package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaakkos/agentgate/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// EventLog persists lifecycle events. Implemented by the SQLite store.
type EventLog interface {
	AppendEvent(e domain.Event) error
	RecentEvents(repoID int64, limit int) ([]domain.Event, error)
}

// Hub fans workspace lifecycle events out to websocket clients and records
// them in the event log. It implements supervisor.EventSink.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	events EventLog // optional
	logger *log.Logger
}

// NewHub creates a hub. events may be nil.
func NewHub(events EventLog, logger *log.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		events:     events,
		logger:     logger,
	}
}

// Run dispatches events until Stop.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			if h.events != nil {
				if err := h.events.AppendEvent(e); err != nil {
					h.logger.Printf("Hub: record event: %v", err)
				}
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.repoID != 0 && c.repoID != e.RepoID {
					continue
				}
				select {
				case c.send <- e:
				default:
					// Slow client, drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop stops the hub and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Publish queues e for delivery without blocking the caller.
func (h *Hub) Publish(e domain.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Printf("Hub: broadcast channel full, dropping %s event for repo %d", e.Kind, e.RepoID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI on a different port
	},
}

// ServeWS upgrades the request and streams events to it. ?repo=<id>
// restricts the stream to one repository.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var repoID int64
	if v := r.URL.Query().Get("repo"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, errInvalidID)
			return
		}
		repoID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Hub: websocket upgrade failed: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan domain.Event, 64), repoID: repoID}
	select {
	case h.register <- c:
	case <-h.quit:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// client is one websocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan domain.Event
	repoID int64
}

// readPump only services control frames; clients do not send data.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Printf("Hub: websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
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
