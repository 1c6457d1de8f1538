package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

type chanBus struct {
	ch     chan []byte
	stream []domain.StreamMessage
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if m.ID > lastID {
			out = append(out, m)
		}
	}
	return out, nil
}

func startHub(t *testing.T, bus *chanBus) string {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.DiscardHandler), Config{Mode: "api", Program: "0xprogram"})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubForwardsMarketEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	url := startHub(t, bus)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.Contains(t, string(hello.Payload), "0xprogram")

	payload, err := json.Marshal(domain.MarketEvent{ID: "e1", Type: domain.EventSplit, MarketID: 3, Amount: 10})
	require.NoError(t, err)
	bus.ch <- payload

	env := readEnvelope(t, conn)
	assert.Equal(t, "market_event", env.Type)
	var ev domain.MarketEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, uint64(3), ev.MarketID)
	assert.Equal(t, domain.EventSplit, ev.Type)
}

func TestHubReplaysStream(t *testing.T) {
	bus := &chanBus{
		ch: make(chan []byte),
		stream: []domain.StreamMessage{
			{ID: "1-0", Payload: []byte(`{"id":"a","event":"market_created","market_id":1}`)},
			{ID: "2-0", Payload: []byte(`{"id":"b","event":"market_settled","market_id":1}`)},
		},
	}
	url := startHub(t, bus)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?since=1-0", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "hello", readEnvelope(t, conn).Type)
	env := readEnvelope(t, conn)
	assert.Equal(t, "market_event", env.Type)
	assert.Equal(t, "2-0", env.StreamID)
}

func TestClientFilters(t *testing.T) {
	c := &client{markets: map[uint64]bool{}, events: map[string]bool{}}
	assert.True(t, c.wants(1, "market_created"), "no filter receives everything")

	c.handleSubscription(subscribeMsg{Action: "subscribe", Markets: []uint64{2}})
	assert.False(t, c.wants(1, "market_created"))
	assert.True(t, c.wants(2, "market_created"))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Events: []string{"market_settled"}})
	assert.False(t, c.wants(2, "market_created"))
	assert.True(t, c.wants(2, "market_settled"))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Markets: []uint64{2}, Events: []string{"market_settled"}})
	assert.True(t, c.wants(1, "pair_merged"))

	c.handleSubscription(subscribeMsg{Action: "bogus", Markets: []uint64{3}})
	assert.True(t, c.wants(1, "pair_merged"))
}

func TestEventFrameRejectsGarbage(t *testing.T) {
	_, ok := eventFrame([]byte("not json"), "")
	assert.False(t, ok)

	msg, ok := eventFrame([]byte(`{"event":"market_settled","market_id":9}`), "5-0")
	require.True(t, ok)
	assert.Equal(t, uint64(9), msg.marketID)
	assert.Equal(t, "market_settled", msg.event)
}

func TestClientHoldsLiveFramesDuringReplay(t *testing.T) {
	c := newClient(nil, nil)
	c.hold()

	assert.True(t, c.deliver(frame{eventID: "b", data: []byte("live b")}))
	assert.True(t, c.deliver(frame{eventID: "c", data: []byte("live c")}))
	assert.Empty(t, c.send, "live frames wait for the replay")

	require.True(t, c.enqueue([]byte("replay a")))
	require.True(t, c.enqueue([]byte("replay b")))
	c.release(map[string]bool{"a": true, "b": true})

	assert.True(t, c.deliver(frame{eventID: "d", data: []byte("live d")}))

	var got []string
	for len(c.send) > 0 {
		got = append(got, string(<-c.send))
	}
	assert.Equal(t, []string{"replay a", "replay b", "live c", "live d"}, got)

	c.close()
	c.close()
	assert.False(t, c.enqueue([]byte("late")))
	assert.False(t, c.deliver(frame{data: []byte("late")}))
}

func TestHubReplaySkipsFilteredEvents(t *testing.T) {
	bus := &chanBus{
		stream: []domain.StreamMessage{
			{ID: "1-0", Payload: []byte(`{"id":"a","event":"market_created","market_id":1}`)},
			{ID: "2-0", Payload: []byte(`not json`)},
			{ID: "3-0", Payload: []byte(`{"id":"c","event":"market_created","market_id":2}`)},
		},
	}
	hub := NewHub(bus, slog.New(slog.DiscardHandler), Config{})
	c := newClient(hub, nil)
	c.handleSubscription(subscribeMsg{Action: "subscribe", Markets: []uint64{2}})

	sent := hub.replay(context.Background(), c, "0-0")
	assert.Equal(t, map[string]bool{"c": true}, sent)
	require.Len(t, c.send, 1)
	assert.Contains(t, string(<-c.send), `"stream_id":"3-0"`)
}
