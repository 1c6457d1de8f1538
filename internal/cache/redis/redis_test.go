package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

func TestHasPattern(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"markets", false},
		{"markets.*", true},
		{"market?", true},
		{"m[ab]", true},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, hasPattern(tt.channel))
		})
	}
}

func TestKeys(t *testing.T) {
	c := &Client{ns: DefaultNamespace}
	assert.Equal(t, "marketsettle:market:18446744073709551615", NewMarketCache(c, 0).key(^uint64(0)))
	assert.Equal(t, "marketsettle:lock:market:7", c.Key("lock", "market:7"))

	staging := &Client{ns: "staging"}
	assert.Equal(t, "staging:markets.events", staging.Key("markets.events"))
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("x")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), b)

	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

// newTestClient connects to MARKETSETTLE_TEST_REDIS_ADDR or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("MARKETSETTLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MARKETSETTLE_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManagerIntegration(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock, err = lm.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	unlock()
}

func TestMarketCacheIntegration(t *testing.T) {
	c := newTestClient(t)
	mc := NewMarketCache(c, time.Minute)
	ctx := context.Background()
	id := uint64(time.Now().UnixNano())

	_, err := mc.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m := domain.Market{ID: id, TotalCollateralLocked: 10, IsSettled: true, WinningOutcome: domain.OutcomeNo}
	require.NoError(t, mc.Set(ctx, m))

	got, err := mc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, got.WinningOutcome)
	assert.Equal(t, uint64(10), got.TotalCollateralLocked)

	require.NoError(t, mc.Invalidate(ctx, id))
	_, err = mc.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusStreamIntegration(t *testing.T) {
	c := newTestClient(t)
	bus := NewSignalBusWithMaxLen(c, 100)
	ctx := context.Background()
	stream := "test:stream:" + uuid.NewString()
	t.Cleanup(func() { c.rdb.Del(context.Background(), c.Key(stream)) })

	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"n":1}`)))
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"n":2}`)))

	msgs, err := bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"n":2}`, string(msgs[1].Payload))

	msgs, err = bus.StreamRead(ctx, stream, msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRateLimiterIntegration(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
