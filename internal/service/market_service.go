package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a cache miss.
func (e *Engine) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if e.cache == nil {
		return e.loadMarket(ctx, id)
	}

	m, err := e.cache.Get(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		e.logger.WarnContext(ctx, "engine: cache get failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
	}

	// Writers invalidate under the market lock, so a snapshot read and cached
	// under it is never older than the last commit. While a writer holds the
	// lock the read is served uncached.
	unlock, err := e.locks.Acquire(ctx, marketLockKey(id), e.cfg.LockTTL)
	if err != nil {
		if !errors.Is(err, domain.ErrLockHeld) {
			e.logger.WarnContext(ctx, "engine: cache fill lock failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
		return e.loadMarket(ctx, id)
	}
	defer unlock()

	m, err = e.loadMarket(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if cacheErr := e.cache.Set(ctx, m); cacheErr != nil {
		e.logger.WarnContext(ctx, "engine: cache set failed",
			slog.Uint64("market_id", id),
			slog.String("error", cacheErr.Error()),
		)
	}
	return m, nil
}

func (e *Engine) loadMarket(ctx context.Context, id uint64) (domain.Market, error) {
	m, err := e.store.Markets().GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: get market %d: %w", id, err)
	}
	return m, nil
}

// GetClaimStatus reports whether claimant has claimed market id. It fails with
// domain.ErrNotFound only when the market itself is unknown.
func (e *Engine) GetClaimStatus(ctx context.Context, id uint64, claimant string) (bool, error) {
	if _, err := e.store.Markets().GetByID(ctx, id); err != nil {
		return false, fmt.Errorf("engine: claim status %d: %w", id, err)
	}
	rec, err := e.store.Claims().Get(ctx, id, claimant)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("engine: claim status %d/%s: %w", id, claimant, err)
	}
	return rec.Claimed, nil
}

// ListMarkets returns a page of markets ordered by id and the total count.
func (e *Engine) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, int64, error) {
	markets, err := e.store.Markets().List(ctx, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: list markets: %w", err)
	}
	total, err := e.store.Markets().Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: count markets: %w", err)
	}
	return markets, total, nil
}

// MarketHistory returns the audit trail of market id, newest first.
func (e *Engine) MarketHistory(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if _, err := e.store.Markets().GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("engine: history %d: %w", id, err)
	}
	entries, err := e.store.Audit().History(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: history %d: %w", id, err)
	}
	return entries, nil
}

// ListClaims returns the claim records of market id.
func (e *Engine) ListClaims(ctx context.Context, id uint64) ([]domain.ClaimRecord, error) {
	if _, err := e.store.Markets().GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("engine: list claims %d: %w", id, err)
	}
	claims, err := e.store.Claims().ListByMarket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: list claims %d: %w", id, err)
	}
	return claims, nil
}

// Balances returns owner's collateral and outcome-token balances in market id.
func (e *Engine) Balances(ctx context.Context, id uint64, owner string) (domain.Balances, error) {
	m, err := e.store.Markets().GetByID(ctx, id)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("engine: balances %d: %w", id, err)
	}

	b := domain.Balances{MarketID: id, Owner: owner}
	ledger := e.store.Ledger()
	if b.Collateral, err = ledger.BalanceOf(ctx, m.CollateralMint, owner); err != nil {
		return domain.Balances{}, fmt.Errorf("engine: balances %d: %w", id, err)
	}
	if b.Yes, err = ledger.BalanceOf(ctx, m.OutcomeMintYes, owner); err != nil {
		return domain.Balances{}, fmt.Errorf("engine: balances %d: %w", id, err)
	}
	if b.No, err = ledger.BalanceOf(ctx, m.OutcomeMintNo, owner); err != nil {
		return domain.Balances{}, fmt.Errorf("engine: balances %d: %w", id, err)
	}
	return b, nil
}

// Reconcile compares the vault balance with total_collateral_locked. An
// unbalanced market is logged at error level.
func (e *Engine) Reconcile(ctx context.Context, id uint64) (domain.Reconciliation, error) {
	var r domain.Reconciliation
	err := e.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		m, err := tx.Markets().GetByID(ctx, id)
		if err != nil {
			return err
		}
		vault, err := tx.Ledger().BalanceOf(ctx, m.CollateralMint, m.Vault)
		if err != nil {
			return err
		}
		r = domain.Reconciliation{
			MarketID:              id,
			VaultBalance:          vault,
			TotalCollateralLocked: m.TotalCollateralLocked,
			Balanced:              vault == m.TotalCollateralLocked,
		}
		return nil
	})
	if err != nil {
		return domain.Reconciliation{}, fmt.Errorf("engine: reconcile %d: %w", id, err)
	}

	if !r.Balanced {
		e.logger.ErrorContext(ctx, "engine: vault out of balance",
			slog.Uint64("market_id", id),
			slog.Uint64("vault_balance", r.VaultBalance),
			slog.Uint64("total_locked", r.TotalCollateralLocked),
		)
	}
	return r, nil
}
