package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/metrics"
)

// CreateMarketRequest carries the inputs of Create. Metadata, when set, is
// uploaded through the metadata publisher and its URL replaces MetadataURL.
type CreateMarketRequest struct {
	ID                 uint64          `json:"id"`
	Authority          string          `json:"authority"`
	CollateralMint     string          `json:"collateral_mint"`
	SettlementDeadline time.Time       `json:"settlement_deadline"`
	MetadataURL        string          `json:"metadata_url,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

func requireCaller(caller string) error {
	if strings.TrimSpace(caller) == "" {
		return fmt.Errorf("%w: caller is required", domain.ErrUnauthorized)
	}
	return nil
}

// Create registers a new market. The outcome mints inherit the collateral's
// decimals and, like the vault account, are controlled by the market
// capability.
func (e *Engine) Create(ctx context.Context, req CreateMarketRequest) (m domain.Market, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("create", time.Since(start), err) }()

	if err := requireCaller(req.Authority); err != nil {
		return domain.Market{}, err
	}
	if strings.TrimSpace(req.CollateralMint) == "" {
		return domain.Market{}, domain.NewLedgerError("create_market", "", domain.ErrUnknownMint)
	}
	if len(req.MetadataURL) > domain.MaxMetadataURLLen {
		return domain.Market{}, domain.ErrMetadataTooLong
	}
	if err := e.checkDeadline(req.SettlementDeadline); err != nil {
		return domain.Market{}, err
	}

	unlock, err := e.lockMarket(ctx, req.ID, "")
	if err != nil {
		return domain.Market{}, err
	}
	defer unlock()

	if _, err := e.store.Markets().GetByID(ctx, req.ID); err == nil {
		return domain.Market{}, fmt.Errorf("engine: create market %d: %w", req.ID, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, fmt.Errorf("engine: create market %d: %w", req.ID, err)
	}

	metadataURL := req.MetadataURL
	if len(req.Metadata) > 0 {
		if e.metadata == nil {
			return domain.Market{}, fmt.Errorf("engine: create market %d: metadata storage is not configured", req.ID)
		}
		metadataURL, err = e.metadata.Publish(ctx, req.ID, req.Metadata)
		if err != nil {
			return domain.Market{}, fmt.Errorf("engine: create market %d: %w", req.ID, err)
		}
	}

	addrs := e.auth.Addresses(req.ID)
	marketCap, err := e.capability(req.ID)
	if err != nil {
		return domain.Market{}, err
	}

	m = domain.Market{
		ID:                 req.ID,
		Authority:          req.Authority,
		CollateralMint:     req.CollateralMint,
		Vault:              addrs.Vault,
		OutcomeMintYes:     addrs.OutcomeYes,
		OutcomeMintNo:      addrs.OutcomeNo,
		SettlementDeadline: req.SettlementDeadline.UTC(),
		MetadataURL:        metadataURL,
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		collateral, err := tx.Ledger().MintInfo(ctx, req.CollateralMint)
		if err != nil {
			return err
		}
		if err := tx.Ledger().CreateMint(ctx, m.OutcomeMintYes, collateral.Decimals, marketCap); err != nil {
			return err
		}
		if err := tx.Ledger().CreateMint(ctx, m.OutcomeMintNo, collateral.Decimals, marketCap); err != nil {
			return err
		}
		if err := tx.Ledger().OpenAccount(ctx, m.CollateralMint, m.Vault, marketCap); err != nil {
			return err
		}
		if err := tx.Markets().Create(ctx, m); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, string(domain.EventMarketCreated), map[string]any{
			"market_id":           m.ID,
			"authority":           m.Authority,
			"collateral_mint":     m.CollateralMint,
			"vault":               m.Vault,
			"settlement_deadline": m.SettlementDeadline,
		})
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: create market %d: %w", req.ID, err)
	}

	m, err = e.store.Markets().GetByID(ctx, req.ID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: reload market %d: %w", req.ID, err)
	}

	e.logger.InfoContext(ctx, "engine: market created",
		slog.Uint64("market_id", m.ID),
		slog.String("authority", m.Authority),
		slog.String("collateral_mint", m.CollateralMint),
		slog.Time("settlement_deadline", m.SettlementDeadline),
	)
	e.published(ctx, e.newEvent(domain.EventMarketCreated, m, m.Authority, 0))
	return m, nil
}

// Split locks amount of the caller's collateral in the vault and mints the
// caller amount of each outcome token.
func (e *Engine) Split(ctx context.Context, id uint64, caller string, amount uint64) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("split", time.Since(start), err) }()

	if err := requireCaller(caller); err != nil {
		return err
	}

	unlock, err := e.lockMarket(ctx, id, "")
	if err != nil {
		return err
	}
	defer unlock()

	marketCap, err := e.capability(id)
	if err != nil {
		return err
	}

	var m domain.Market
	err = e.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		m, err = tx.Markets().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if m.IsSettled {
			return domain.ErrMarketAlreadySettled
		}
		if amount == 0 || amount > domain.MaxAmount {
			return domain.ErrInvalidAmount
		}
		if err := e.checkTrading(m); err != nil {
			return err
		}
		total, err := domain.CheckedAdd(m.TotalCollateralLocked, amount)
		if err != nil {
			return err
		}

		if err := tx.Ledger().Transfer(ctx, m.CollateralMint, caller, m.Vault, amount); err != nil {
			return err
		}
		if err := tx.Ledger().MintTo(ctx, marketCap, m.OutcomeMintYes, caller, amount); err != nil {
			return err
		}
		if err := tx.Ledger().MintTo(ctx, marketCap, m.OutcomeMintNo, caller, amount); err != nil {
			return err
		}

		m.TotalCollateralLocked = total
		if err := tx.Markets().Update(ctx, m); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, string(domain.EventSplit), map[string]any{
			"market_id": id,
			"caller":    caller,
			"amount":    amount,
			"total":     total,
		})
	})
	if err != nil {
		return fmt.Errorf("engine: split market %d: %w", id, err)
	}

	metrics.RecordCollateral("in", amount)
	e.logger.InfoContext(ctx, "engine: collateral split",
		slog.Uint64("market_id", id),
		slog.String("caller", caller),
		slog.Uint64("amount", amount),
		slog.Uint64("total_locked", m.TotalCollateralLocked),
	)
	e.published(ctx, e.newEvent(domain.EventSplit, m, caller, amount))
	return nil
}

// Merge burns min(yes, no) of the caller's outcome tokens and returns that
// much collateral. Any surplus on the larger side stays with the caller.
func (e *Engine) Merge(ctx context.Context, id uint64, caller string) (amount uint64, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("merge", time.Since(start), err) }()

	if err := requireCaller(caller); err != nil {
		return 0, err
	}

	unlock, err := e.lockMarket(ctx, id, "")
	if err != nil {
		return 0, err
	}
	defer unlock()

	marketCap, err := e.capability(id)
	if err != nil {
		return 0, err
	}

	var m domain.Market
	err = e.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		m, err = tx.Markets().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if m.IsSettled {
			return domain.ErrMarketAlreadySettled
		}
		if err := e.checkTrading(m); err != nil {
			return err
		}

		yes, err := tx.Ledger().BalanceOf(ctx, m.OutcomeMintYes, caller)
		if err != nil {
			return err
		}
		no, err := tx.Ledger().BalanceOf(ctx, m.OutcomeMintNo, caller)
		if err != nil {
			return err
		}
		if yes == 0 || no == 0 {
			return domain.ErrInvalidAmount
		}
		amount = min(yes, no)
		total, err := domain.CheckedSub(m.TotalCollateralLocked, amount)
		if err != nil {
			return err
		}

		if err := tx.Ledger().Burn(ctx, m.OutcomeMintYes, caller, amount); err != nil {
			return err
		}
		if err := tx.Ledger().Burn(ctx, m.OutcomeMintNo, caller, amount); err != nil {
			return err
		}
		if err := tx.Ledger().TransferAs(ctx, marketCap, m.CollateralMint, m.Vault, caller, amount); err != nil {
			return err
		}

		m.TotalCollateralLocked = total
		if err := tx.Markets().Update(ctx, m); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, string(domain.EventMerge), map[string]any{
			"market_id": id,
			"caller":    caller,
			"amount":    amount,
			"total":     total,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("engine: merge market %d: %w", id, err)
	}

	metrics.RecordCollateral("out", amount)
	e.logger.InfoContext(ctx, "engine: pair merged",
		slog.Uint64("market_id", id),
		slog.String("caller", caller),
		slog.Uint64("amount", amount),
		slog.Uint64("total_locked", m.TotalCollateralLocked),
	)
	e.published(ctx, e.newEvent(domain.EventMerge, m, caller, amount))
	return amount, nil
}

// Settle records the winning outcome and revokes both outcome mints. Only the
// market authority may settle, and only once.
func (e *Engine) Settle(ctx context.Context, id uint64, caller string, outcome domain.Outcome) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("settle", time.Since(start), err) }()

	unlock, err := e.lockMarket(ctx, id, "")
	if err != nil {
		return err
	}
	defer unlock()

	marketCap, err := e.capability(id)
	if err != nil {
		return err
	}

	var m domain.Market
	err = e.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		m, err = tx.Markets().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if caller == "" || caller != m.Authority {
			return domain.ErrUnauthorized
		}
		if m.IsSettled {
			return domain.ErrMarketAlreadySettled
		}
		if !outcome.Decided() {
			return domain.ErrInvalidOutcome
		}
		if err := e.checkSettle(m); err != nil {
			return err
		}

		now := e.now()
		m.IsSettled = true
		m.WinningOutcome = outcome
		m.SettledAt = &now
		if err := tx.Markets().Update(ctx, m); err != nil {
			return err
		}
		if err := tx.Ledger().RevokeMintAuthority(ctx, marketCap, m.OutcomeMintYes); err != nil {
			return err
		}
		if err := tx.Ledger().RevokeMintAuthority(ctx, marketCap, m.OutcomeMintNo); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, string(domain.EventSettled), map[string]any{
			"market_id": id,
			"authority": caller,
			"outcome":   outcome.String(),
			"total":     m.TotalCollateralLocked,
		})
	})
	if err != nil {
		return fmt.Errorf("engine: settle market %d: %w", id, err)
	}

	metrics.RecordSettlement(outcome)
	e.logger.InfoContext(ctx, "engine: market settled",
		slog.Uint64("market_id", id),
		slog.String("outcome", outcome.String()),
		slog.Uint64("total_locked", m.TotalCollateralLocked),
	)
	e.published(ctx, e.newEvent(domain.EventSettled, m, caller, 0))
	return nil
}

// Claim redeems the caller's whole winning-token balance for collateral. A
// claimant can claim a market at most once; the losing side is left as is.
func (e *Engine) Claim(ctx context.Context, id uint64, caller string) (amount uint64, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("claim", time.Since(start), err) }()

	if err := requireCaller(caller); err != nil {
		return 0, err
	}

	unlock, err := e.lockMarket(ctx, id, caller)
	if err != nil {
		return 0, err
	}
	defer unlock()

	marketCap, err := e.capability(id)
	if err != nil {
		return 0, err
	}

	var m domain.Market
	err = e.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		m, err = tx.Markets().GetByID(ctx, id)
		if err != nil {
			return err
		}
		winning, ok := m.WinningMint()
		if !ok {
			return domain.ErrMarketNotSettled
		}

		rec, err := tx.Claims().GetOrCreate(ctx, id, caller)
		if err != nil {
			return err
		}
		if rec.Claimed {
			return domain.ErrRewardAlreadyClaimed
		}

		amount, err = tx.Ledger().BalanceOf(ctx, winning, caller)
		if err != nil {
			return err
		}
		if amount == 0 {
			return domain.ErrNothingToClaim
		}
		total, err := domain.CheckedSub(m.TotalCollateralLocked, amount)
		if err != nil {
			return err
		}

		if err := tx.Ledger().Burn(ctx, winning, caller, amount); err != nil {
			return err
		}
		if err := tx.Ledger().TransferAs(ctx, marketCap, m.CollateralMint, m.Vault, caller, amount); err != nil {
			return err
		}
		if err := tx.Claims().MarkClaimed(ctx, id, caller, amount, e.now()); err != nil {
			return err
		}

		m.TotalCollateralLocked = total
		if err := tx.Markets().Update(ctx, m); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, string(domain.EventClaimed), map[string]any{
			"market_id": id,
			"claimant":  caller,
			"amount":    amount,
			"outcome":   m.WinningOutcome.String(),
			"total":     total,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("engine: claim market %d: %w", id, err)
	}

	metrics.RecordCollateral("out", amount)
	e.logger.InfoContext(ctx, "engine: reward claimed",
		slog.Uint64("market_id", id),
		slog.String("claimant", caller),
		slog.Uint64("amount", amount),
		slog.Uint64("total_locked", m.TotalCollateralLocked),
	)
	e.published(ctx, e.newEvent(domain.EventClaimed, m, caller, amount))
	return amount, nil
}
