package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// CollateralAdmin defines the collateral operations exposed to operators.
type CollateralAdmin interface {
	Register(ctx context.Context, mint string, decimals uint8) (domain.MintInfo, error)
	Deposit(ctx context.Context, mint, owner string, amount uint64) (uint64, error)
	Balance(ctx context.Context, mint, owner string) (uint64, error)
}

// CollateralHandler serves collateral administration endpoints.
type CollateralHandler struct {
	collateral CollateralAdmin
	logger     *slog.Logger
}

// NewCollateralHandler creates a CollateralHandler.
func NewCollateralHandler(collateral CollateralAdmin, logger *slog.Logger) *CollateralHandler {
	return &CollateralHandler{collateral: collateral, logger: logger}
}

type registerRequest struct {
	Mint     string `json:"mint"`
	Decimals uint8  `json:"decimals"`
}

// Register creates a treasury-controlled collateral mint.
// POST /api/collateral
func (h *CollateralHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	info, err := h.collateral.Register(r.Context(), req.Mint, req.Decimals)
	if err != nil {
		writeServiceError(w, r, h.logger, "register collateral", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
}

// Deposit credits collateral to an owner.
// POST /api/collateral/{mint}/deposit
func (h *CollateralHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	mint := r.PathValue("mint")
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := h.collateral.Deposit(r.Context(), mint, req.Owner, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mint":    mint,
		"owner":   req.Owner,
		"balance": balance,
	})
}

// Balance returns an owner's collateral balance.
// GET /api/collateral/{mint}/balances/{owner}
func (h *CollateralHandler) Balance(w http.ResponseWriter, r *http.Request) {
	mint, owner := r.PathValue("mint"), r.PathValue("owner")
	balance, err := h.collateral.Balance(r.Context(), mint, owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mint":    mint,
		"owner":   owner,
		"balance": balance,
	})
}
