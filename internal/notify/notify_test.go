package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.titles = append(r.titles, msg.Title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"market_settled", " "}, 6, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.NotifyMarketEvent(ctx, domain.MarketEvent{Type: domain.EventSplit, MarketID: 1}))
	require.NoError(t, n.NotifyMarketEvent(ctx, domain.MarketEvent{Type: domain.EventSettled, MarketID: 1, Outcome: domain.OutcomeYes}))

	assert.Equal(t, []string{"Market 1 settled: yes"}, s.titles)
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, 6, discardLogger())

	require.NoError(t, n.Notify(context.Background(), Message{Event: "anything", Title: "t"}))
	assert.Len(t, s.titles, 1)
	assert.True(t, n.Enabled())
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 6, discardLogger())

	err := n.Notify(context.Background(), Message{Event: "e", Title: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{1_500_000, 6, "1.500000"},
		{0, 6, "0.000000"},
		{42, 0, "42"},
		{5, 2, "0.05"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAmount(tt.amount, tt.decimals))
		})
	}
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL, "settlementd")
	msg := Message{Event: string(domain.EventSettled), Title: "Market 1 settled: yes", Body: "Collateral locked: 1.000000"}
	require.NoError(t, d.Send(context.Background(), msg))

	assert.Equal(t, "settlementd", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, msg.Title, got.Embeds[0].Title)
	assert.Equal(t, msg.Body, got.Embeds[0].Description)
	assert.Equal(t, 0x57F287, got.Embeds[0].Color)
	assert.Equal(t, "market_settled", got.Embeds[0].Footer.Text)
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL, "").Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestTelegramSender(t *testing.T) {
	var (
		path string
		got  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "123")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), Message{Title: "Market 1 created", Body: "Authority: <0xabc>"}))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "123", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Market 1 created</b>\nAuthority: &lt;0xabc&gt;", got["text"])
}

func TestTelegramSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "123")
	s.apiBase = srv.URL
	err := s.Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
