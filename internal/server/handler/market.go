package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/service"
)

// MarketEngine defines the methods that the market handler requires from the
// service layer.
type MarketEngine interface {
	Create(ctx context.Context, req service.CreateMarketRequest) (domain.Market, error)
	Split(ctx context.Context, id uint64, caller string, amount uint64) error
	Merge(ctx context.Context, id uint64, caller string) (uint64, error)
	Settle(ctx context.Context, id uint64, caller string, outcome domain.Outcome) error
	Claim(ctx context.Context, id uint64, caller string) (uint64, error)

	GetMarket(ctx context.Context, id uint64) (domain.Market, error)
	GetClaimStatus(ctx context.Context, id uint64, claimant string) (bool, error)
	ListClaims(ctx context.Context, id uint64) ([]domain.ClaimRecord, error)
	MarketHistory(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.AuditEntry, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, int64, error)
	Balances(ctx context.Context, id uint64, owner string) (domain.Balances, error)
	Reconcile(ctx context.Context, id uint64) (domain.Reconciliation, error)
	Addresses(id uint64) derive.MarketAddresses
}

// SettlementVerifier checks a settle signature made by caller.
type SettlementVerifier func(id uint64, outcome domain.Outcome, caller, signature string) error

// MarketHandler serves the market lifecycle endpoints.
type MarketHandler struct {
	engine MarketEngine
	verify SettlementVerifier
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given engine and logger.
func NewMarketHandler(engine MarketEngine, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		engine: engine,
		logger: logger,
	}
}

// RequireSettleSignatures makes Settle reject requests whose signature does
// not pass verify.
func (h *MarketHandler) RequireSettleSignatures(verify SettlementVerifier) *MarketHandler {
	h.verify = verify
	return h
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets ordered by id.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, total, err := h.engine.ListMarkets(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// CreateMarket registers a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req service.CreateMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	market, err := h.engine.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	market, err := h.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// Addresses returns the derived addresses of a market, whether or not it
// exists yet.
// GET /api/markets/{id}/addresses
func (h *MarketHandler) Addresses(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Addresses(id))
}

type splitRequest struct {
	Caller string `json:"caller"`
	Amount uint64 `json:"amount"`
}

// Split locks collateral and mints a matched Yes/No pair.
// POST /api/markets/{id}/split
func (h *MarketHandler) Split(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req splitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := h.engine.Split(r.Context(), id, req.Caller, req.Amount); err != nil {
		writeServiceError(w, r, h.logger, "split", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"caller":    req.Caller,
		"amount":    req.Amount,
	})
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type amountResponse struct {
	MarketID uint64 `json:"market_id"`
	Caller   string `json:"caller"`
	Amount   uint64 `json:"amount"`
}

// Merge redeems matched pairs for collateral.
// POST /api/markets/{id}/merge
func (h *MarketHandler) Merge(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	amount, err := h.engine.Merge(r.Context(), id, req.Caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "merge", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{MarketID: id, Caller: req.Caller, Amount: amount})
}

type settleRequest struct {
	Caller    string         `json:"caller"`
	Outcome   domain.Outcome `json:"outcome"`
	Signature string         `json:"signature,omitempty"`
}

// Settle records the winning outcome.
// POST /api/markets/{id}/settle
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if h.verify != nil {
		if err := h.verify(id, req.Outcome, req.Caller, req.Signature); err != nil {
			writeServiceError(w, r, h.logger, "settle", err)
			return
		}
	}

	if err := h.engine.Settle(r.Context(), id, req.Caller, req.Outcome); err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"outcome":   req.Outcome,
		"settled":   true,
	})
}

// Claim redeems the caller's winning tokens.
// POST /api/markets/{id}/claim
func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	amount, err := h.engine.Claim(r.Context(), id, req.Caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{MarketID: id, Caller: req.Caller, Amount: amount})
}

// ClaimStatus reports whether a claimant has claimed.
// GET /api/markets/{id}/claims/{claimant}
func (h *MarketHandler) ClaimStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	claimant := r.PathValue("claimant")

	claimed, err := h.engine.GetClaimStatus(r.Context(), id, claimant)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"claimant":  claimant,
		"claimed":   claimed,
	})
}

// Claims lists the claim ledger of a market.
// GET /api/markets/{id}/claims
func (h *MarketHandler) Claims(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	claims, err := h.engine.ListClaims(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "list claims", err)
		return
	}
	if claims == nil {
		claims = []domain.ClaimRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "claims": claims})
}

// History returns the audit trail of a market, newest first.
// GET /api/markets/{id}/history?limit=50&offset=0
func (h *MarketHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	opts := parseListOpts(r)
	entries, err := h.engine.MarketHistory(r.Context(), id, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "market history", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"entries":   entries,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// Balances returns an owner's collateral and outcome balances.
// GET /api/markets/{id}/balances/{owner}
func (h *MarketHandler) Balances(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	b, err := h.engine.Balances(r.Context(), id, r.PathValue("owner"))
	if err != nil {
		writeServiceError(w, r, h.logger, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Reconcile compares the vault balance with the recorded total.
// GET /api/markets/{id}/reconcile
func (h *MarketHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.Reconcile(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
