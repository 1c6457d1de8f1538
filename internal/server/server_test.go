package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/crypto"
	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/lock"
	"github.com/alanyoungcy/marketsettle/internal/server/handler"
	"github.com/alanyoungcy/marketsettle/internal/service"
	"github.com/alanyoungcy/marketsettle/internal/store/memory"
)

const apiKey = "secret"

type testAPI struct {
	srv    *httptest.Server
	signer *crypto.Signer
}

func newTestAPI(t *testing.T, requireSignature bool) *testAPI {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	programKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	auth, err := derive.NewAuthority(programKey)
	require.NoError(t, err)

	authorityKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(authorityKey)), auth.Program())
	require.NoError(t, err)

	store := memory.New(auth.Program())
	engine := service.NewEngine(store, auth, lock.NewLocal(), service.EngineConfig{}, logger)
	markets := handler.NewMarketHandler(engine, logger)
	if requireSignature {
		markets.RequireSettleSignatures(func(id uint64, outcome domain.Outcome, caller, sig string) error {
			return crypto.VerifySettlement(auth.Program(), id, outcome, caller, sig)
		})
	}

	handlers := Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Markets:    markets,
		Collateral: handler.NewCollateralHandler(service.NewCollateralService(store, auth, logger), logger),
	}
	srv := httptest.NewServer(Routes(Config{APIKey: apiKey}, handlers, nil, nil, logger))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, signer: signer}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (a *testAPI) setup(t *testing.T) string {
	t.Helper()
	authority := a.signer.Address().Hex()

	status, _ := a.do(t, http.MethodPost, "/api/collateral", map[string]any{"mint": "USDC", "decimals": 6})
	require.Equal(t, http.StatusCreated, status)

	status, _ = a.do(t, http.MethodPost, "/api/collateral/USDC/deposit", map[string]any{"owner": "alice", "amount": 1_000})
	require.Equal(t, http.StatusOK, status)

	status, body := a.do(t, http.MethodPost, "/api/markets", map[string]any{
		"id":                  1,
		"authority":           authority,
		"collateral_mint":     "USDC",
		"settlement_deadline": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, status, body)
	return authority
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, false)
	authority := api.setup(t)

	status, body := api.do(t, http.MethodPost, "/api/markets/1/split", map[string]any{"caller": "alice", "amount": 600})
	require.Equal(t, http.StatusOK, status, body)

	status, body = api.do(t, http.MethodGet, "/api/markets/1/balances/alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 600, body["yes"])
	assert.EqualValues(t, 600, body["no"])
	assert.EqualValues(t, 400, body["collateral"])

	status, body = api.do(t, http.MethodPost, "/api/markets/1/merge", map[string]any{"caller": "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 600, body["amount"])

	status, _ = api.do(t, http.MethodPost, "/api/markets/1/split", map[string]any{"caller": "alice", "amount": 250})
	require.Equal(t, http.StatusOK, status)

	status, _ = api.do(t, http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "yes"})
	require.Equal(t, http.StatusOK, status)

	status, body = api.do(t, http.MethodPost, "/api/markets/1/claim", map[string]any{"caller": "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 250, body["amount"])

	status, body = api.do(t, http.MethodGet, "/api/markets/1/claims/alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["claimed"])

	status, body = api.do(t, http.MethodGet, "/api/markets/1/claims", nil)
	require.Equal(t, http.StatusOK, status)
	claims, ok := body["claims"].([]any)
	require.True(t, ok)
	require.Len(t, claims, 1)
	assert.Equal(t, "alice", claims[0].(map[string]any)["claimant"])

	status, body = api.do(t, http.MethodGet, "/api/markets/1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, "reward_claimed", entries[0].(map[string]any)["event"])
	assert.Equal(t, "market_settled", entries[1].(map[string]any)["event"])

	later := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	status, body = api.do(t, http.MethodGet, "/api/markets/1/history?since="+later, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["entries"])

	status, body = api.do(t, http.MethodGet, "/api/markets/1/reconcile", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["balanced"])

	status, body = api.do(t, http.MethodGet, "/api/markets/1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_settled"])
	assert.Equal(t, "yes", body["winning_outcome"])

	status, body = api.do(t, http.MethodGet, "/api/markets", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
}

func TestErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t, false)
	authority := api.setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown market", http.MethodGet, "/api/markets/99", nil, http.StatusNotFound, "not_found"},
		{"history of unknown market", http.MethodGet, "/api/markets/99/history", nil, http.StatusNotFound, "not_found"},
		{"bad market id", http.MethodGet, "/api/markets/abc", nil, http.StatusBadRequest, ""},
		{"duplicate create", http.MethodPost, "/api/markets", map[string]any{
			"id": 1, "authority": authority, "collateral_mint": "USDC", "settlement_deadline": time.Now().Format(time.RFC3339),
		}, http.StatusConflict, "already_exists"},
		{"zero split", http.MethodPost, "/api/markets/1/split", map[string]any{"caller": "alice", "amount": 0}, http.StatusBadRequest, "invalid_amount"},
		{"negative split", http.MethodPost, "/api/markets/1/split", map[string]any{"caller": "alice", "amount": -1}, http.StatusBadRequest, "invalid_amount"},
		{"fractional split", http.MethodPost, "/api/markets/1/split", map[string]any{"caller": "alice", "amount": 1.5}, http.StatusBadRequest, "invalid_amount"},
		{"caller of wrong type", http.MethodPost, "/api/markets/1/split", map[string]any{"caller": 7, "amount": 1}, http.StatusBadRequest, "bad_request"},
		{"insufficient collateral", http.MethodPost, "/api/markets/1/split", map[string]any{"caller": "bob", "amount": 5}, http.StatusUnprocessableEntity, "ledger_insufficient_balance"},
		{"merge without pair", http.MethodPost, "/api/markets/1/merge", map[string]any{"caller": "bob"}, http.StatusBadRequest, "invalid_amount"},
		{"claim before settle", http.MethodPost, "/api/markets/1/claim", map[string]any{"caller": "alice"}, http.StatusConflict, "market_not_settled"},
		{"settle by stranger", http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": "mallory", "outcome": "no"}, http.StatusForbidden, "unauthorized"},
		{"unknown outcome", http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "maybe"}, http.StatusBadRequest, "invalid_outcome"},
		{"unknown field", http.MethodPost, "/api/markets/1/merge", map[string]any{"caller": "alice", "extra": 1}, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status, body)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
			}
		})
	}

	status, _ := api.do(t, http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "no"})
	require.Equal(t, http.StatusOK, status)
	status, body := api.do(t, http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "yes"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "market_already_settled", body["code"])

	status, body = api.do(t, http.MethodPost, "/api/markets/1/claim", map[string]any{"caller": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "nothing_to_claim", body["code"])
}

func TestSettleSignatureRequired(t *testing.T) {
	api := newTestAPI(t, true)
	authority := api.setup(t)

	status, body := api.do(t, http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "yes"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "invalid_signature", body["code"])

	wrong, err := api.signer.SignSettlement(1, domain.OutcomeNo)
	require.NoError(t, err)
	status, _ = api.do(t, http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "yes", "signature": wrong})
	assert.Equal(t, http.StatusForbidden, status)

	sig, err := api.signer.SignSettlement(1, domain.OutcomeYes)
	require.NoError(t, err)
	status, body = api.do(t, http.MethodPost, "/api/markets/1/settle", map[string]any{"caller": authority, "outcome": "yes", "signature": sig})
	require.Equal(t, http.StatusOK, status, body)
}

func TestAuthAndPublicRoutes(t *testing.T) {
	api := newTestAPI(t, false)

	resp, err := http.Get(api.srv.URL + "/api/markets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(api.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "go_goroutines"))
}

func TestAddressesForUnknownMarket(t *testing.T) {
	api := newTestAPI(t, false)

	status, body := api.do(t, http.MethodGet, "/api/markets/42/addresses", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["vault"])
	assert.NotEqual(t, body["vault"], body["outcome_mint_yes"])
}

func TestHealthReportsFailingDependency(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	h := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, logger)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Equal(t, "connection refused", body.Dependencies["redis"])
}
