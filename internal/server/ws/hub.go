// Package ws streams market lifecycle events to WebSocket clients. Live
// events come from the signal bus channel; a reconnecting client passes the
// last stream id it saw and is first sent what it missed.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

const (
	// Replay is bounded so a client that was away for long re-reads the
	// market over the API instead.
	replayLimit = 500

	fanoutBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers are already gated by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope is every frame the hub writes.
type envelope struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// frame is an encoded envelope plus what clients filter on.
type frame struct {
	eventID  string
	marketID uint64
	event    string
	data     []byte
}

// Config is echoed to clients in the hello frame.
type Config struct {
	Mode      string
	Program   string
	StartedAt time.Time
}

// Hub owns the set of connected clients.
type Hub struct {
	bus    domain.SignalBus
	cfg    Config
	logger *slog.Logger

	events chan frame

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws")),
		events:  make(chan frame, fanoutBuffer),
		clients: make(map[*client]struct{}),
	}
}

// Run relays bus events to clients until ctx ends, then disconnects them.
func (h *Hub) Run(ctx context.Context) error {
	live, err := h.bus.Subscribe(ctx, domain.ChannelMarkets)
	if err != nil {
		h.logger.ErrorContext(ctx, "ws: subscribe failed",
			slog.String("channel", domain.ChannelMarkets),
			slog.String("error", err.Error()),
		)
	} else {
		go h.relay(ctx, live)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case f := <-h.events:
			h.fanout(f)
		}
	}
}

func (h *Hub) relay(ctx context.Context, live <-chan []byte) {
	for payload := range live {
		f, ok := eventFrame(payload, "")
		if !ok {
			h.logger.Warn("ws: dropping malformed market event", slog.Int("bytes", len(payload)))
			continue
		}
		select {
		case h.events <- f:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() == nil {
		h.logger.Warn("ws: market channel closed")
	}
}

func (h *Hub) fanout(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.wants(f.marketID, f.event) && !c.deliver(f) {
			h.logger.Warn("ws: client too slow, frame dropped",
				slog.Uint64("market_id", f.marketID),
				slog.String("event", f.event),
			)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("ws: client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.logger.Info("ws: client disconnected", slog.Int("clients", len(h.clients)))
}

// eventFrame wraps a bus payload, a JSON domain.MarketEvent, for clients.
func eventFrame(payload []byte, streamID string) (frame, bool) {
	var head struct {
		ID       string `json:"id"`
		Event    string `json:"event"`
		MarketID uint64 `json:"market_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return frame{}, false
	}
	data, err := json.Marshal(envelope{Type: "market_event", StreamID: streamID, Payload: payload})
	if err != nil {
		return frame{}, false
	}
	return frame{eventID: head.ID, marketID: head.MarketID, event: head.Event, data: data}, true
}

// HandleWS upgrades the connection. The first frame is "hello"; with
// ?since=<stream id> the missed events follow before live ones. The client
// is registered before the replay and live events published meanwhile are
// held, then sent unless the replay already carried them.
// GET /ws?since=<stream id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	c.enqueue(h.hello())
	since := r.URL.Query().Get("since")
	if since != "" {
		c.hold()
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()

	if since != "" {
		c.release(h.replay(r.Context(), c, since))
	}
}

func (h *Hub) hello() []byte {
	payload, _ := json.Marshal(struct {
		Mode    string `json:"mode"`
		Program string `json:"program"`
		Uptime  int64  `json:"uptime_seconds"`
	}{h.cfg.Mode, h.cfg.Program, max(int64(time.Since(h.cfg.StartedAt).Seconds()), 0)})
	data, _ := json.Marshal(envelope{Type: "hello", Payload: payload})
	return data
}

// replay sends the stream after since and returns the event ids it sent.
func (h *Hub) replay(ctx context.Context, c *client, since string) map[string]bool {
	sent := make(map[string]bool)
	missed, err := h.bus.StreamRead(ctx, domain.StreamMarkets, since, replayLimit)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("since", since), slog.String("error", err.Error()))
		return sent
	}
	for _, m := range missed {
		f, ok := eventFrame(m.Payload, m.ID)
		if !ok || !c.wants(f.marketID, f.event) {
			continue
		}
		if !c.enqueue(f.data) {
			h.logger.Warn("ws: replay truncated", slog.String("since", since), slog.String("at", m.ID))
			break
		}
		sent[f.eventID] = true
	}
	return sent
}
