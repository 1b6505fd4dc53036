package main

import (
	"crypto/rand"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendQueueSize bounds each client's outbound queue; a client that
	// falls this far behind is dropped instead of slowing everyone else.
	sendQueueSize = 64

	pingInterval = 25 * time.Second
	pongGrace    = 20 * time.Second
	writeWait    = 10 * time.Second
)

// Client is one connected socket and its outbound queue. The queue has a
// single producer (the hub) and a single consumer (writePump).
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time

	// Bound lazily by the read loop after a successful join or
	// reconnect; never touched by the hub.
	playerName string
	isAdmin    bool

	// Identity cookie minted at upgrade time, before registration.
	cookieID string

	limiter cmdLimiter

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:          randomID(8),
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: time.Now(),
	}
}

// enqueue offers a frame to the client without blocking. False means the
// queue was full or the client is already closed.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// writePump drains the send queue onto the socket and keeps the peer alive
// with pings. One goroutine per client, started at registration.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Hub owns the connection set and nothing else. Broadcasts serialize each
// event once and enqueue the same bytes everywhere; a full queue evicts
// that one client and never blocks the caller.
type Hub struct {
	cfg *Config

	mu      sync.Mutex
	clients map[string]*Client
}

func newHub(cfg *Config) *Hub {
	return &Hub{
		cfg:     cfg,
		clients: make(map[string]*Client),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	logf(h.cfg, "GAMES: Connection %s registered (%d total)", c.id, total)
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	logf(h.cfg, "GAMES: Connection %s unregistered (%d total)", id, total)
}

// broadcast fans an event out to every connected client. Events reach each
// client in the order broadcast was called; clients that cannot keep up
// are disconnected rather than backpressuring the hub.
func (h *Hub) broadcast(eventType string, data any) {
	msg, err := json.Marshal(newEvent(eventType, data))
	if err != nil {
		log.Printf("marshal %s event: %v", eventType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		if c.enqueue(msg) {
			continue
		}

		delete(h.clients, id)
		c.close()
		logf(h.cfg, "GAMES: Connection %s dropped (queue overflow)", id)
	}
}

// sendTo delivers one message to a single client, used for replies and
// the player_reconnected snapshot.
func (h *Hub) sendTo(c *Client, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal direct message: %v", err)
		return
	}

	if c.enqueue(msg) {
		return
	}

	h.unregister(c.id)
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// closeAll disconnects every client, used at server shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

// randomID generates an n-character alphanumeric identifier, rejecting
// bytes that would bias the draw.
func randomID(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}
