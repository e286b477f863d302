package reqhandler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/metrics"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/sessionmgr"
)

// sendBufferSize bounds how many outbound messages a slow client can fall
// behind by before it is dropped, matching the teacher pack's buffered-
// channel-per-client convention.
const sendBufferSize = 64

// Client is one connected websocket client: a single logical session, one
// read loop and one write loop, and (once a job is submitted) a single
// update-poll goroutine feeding its Send channel.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	hub     *Hub
	server  *Server

	mu         sync.Mutex
	session    *sessionmgr.Session
	stopPoll   func()
}

// Hub tracks every connected Client so the server can shut them all down
// together. Grounded on websocket_enterprise.go's register/unregister
// channel pattern, trimmed to what this project's single-connection-per-
// client model actually needs (no fan-out broadcast).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	metrics.WebsocketConnections.Set(float64(len(h.clients)))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		metrics.WebsocketConnections.Set(float64(len(h.clients)))
	}
}

// Shutdown closes every connected client's connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *Client) close() {
	c.mu.Lock()
	stop := c.stopPoll
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	_ = c.Conn.Close()
}

// readPump reads frames off the connection and hands each to the server's
// dispatcher until the connection closes, then unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		close(c.Send)
	}()
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.server.handleMessage(c, raw)
	}
}

// writePump drains Send to the connection until it is closed.
func (c *Client) writePump() {
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logging.Log.WithField("client_id", c.ID).WithError(err).Warn("reqhandler: write failed, dropping client")
			return
		}
	}
	_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// enqueue attempts a non-blocking send; a full buffer means the client is
// too slow and is disconnected rather than allowed to stall the server.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.Send <- msg:
	default:
		logging.Log.WithField("client_id", c.ID).Warn("reqhandler: send buffer full, dropping client")
		c.hub.remove(c)
		c.close()
	}
}

// readDeadline bounds how long a connection may sit idle before the read
// loop gives up, so a half-open TCP connection doesn't pin a goroutine
// forever.
const readDeadline = 5 * time.Minute
