package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	maxReadSize = 4096
	sendBuffer  = 256
)

// subscribeMsg narrows or widens what a client receives. Markets and Events
// are independent filters; an empty filter matches everything.
type subscribeMsg struct {
	Action  string   `json:"action"` // subscribe | unsubscribe
	Markets []uint64 `json:"markets"`
	Events  []string `json:"events"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	markets map[uint64]bool
	events  map[string]bool

	// sendMu guards send against close and orders held live frames after a
	// replay.
	sendMu  sync.Mutex
	closed  bool
	holding bool
	held    []frame
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		markets: make(map[uint64]bool),
		events:  make(map[string]bool),
	}
}

// enqueue never blocks; it reports false when the buffer is full or the
// client is gone.
func (c *client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.push(data)
}

func (c *client) push(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliver sends a live frame, or holds it while the client is replaying.
func (c *client) deliver(f frame) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.holding {
		if len(c.held) >= sendBuffer {
			return false
		}
		c.held = append(c.held, f)
		return true
	}
	return c.push(f.data)
}

// hold makes deliver queue live frames until release.
func (c *client) hold() {
	c.sendMu.Lock()
	c.holding = true
	c.sendMu.Unlock()
}

// release sends the held frames the replay did not already cover, then
// resumes direct delivery.
func (c *client) release(replayed map[string]bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range c.held {
		if f.eventID != "" && replayed[f.eventID] {
			continue
		}
		if !c.push(f.data) {
			break
		}
	}
	c.held = nil
	c.holding = false
}

func (c *client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) wants(marketID uint64, event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.markets) > 0 && !c.markets[marketID] {
		return false
	}
	return len(c.events) == 0 || c.events[event]
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	on := msg.Action == "subscribe"
	if !on && msg.Action != "unsubscribe" {
		return
	}
	for _, id := range msg.Markets {
		if on {
			c.markets[id] = true
		} else {
			delete(c.markets, id)
		}
	}
	for _, ev := range msg.Events {
		if on {
			c.events[ev] = true
		} else {
			delete(c.events, ev)
		}
	}
}

func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: connection lost", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(data, &msg) == nil {
			c.handleSubscription(msg)
		}
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
