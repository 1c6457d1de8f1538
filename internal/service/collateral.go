package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// CollateralService administers collateral mints held by the program
// treasury. Deposit acts as a faucet for development and test deployments;
// production deployments bridge deposits from their external ledger.
type CollateralService struct {
	store  domain.Store
	auth   *derive.Authority
	logger *slog.Logger
}

// NewCollateralService creates a CollateralService.
func NewCollateralService(store domain.Store, auth *derive.Authority, logger *slog.Logger) *CollateralService {
	return &CollateralService{
		store:  store,
		auth:   auth,
		logger: logger.With(slog.String("component", "collateral")),
	}
}

func (s *CollateralService) treasury() (derive.Capability, error) {
	c, err := s.auth.Capability(derive.TagTreasury, 0)
	if err != nil {
		return derive.Capability{}, fmt.Errorf("collateral: treasury capability: %w", err)
	}
	return c, nil
}

// Register creates a collateral mint whose authority is the treasury.
func (s *CollateralService) Register(ctx context.Context, mint string, decimals uint8) (domain.MintInfo, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return domain.MintInfo{}, domain.NewLedgerError("create_mint", "", domain.ErrUnknownMint)
	}
	treasury, err := s.treasury()
	if err != nil {
		return domain.MintInfo{}, err
	}

	var info domain.MintInfo
	err = s.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		if err := tx.Ledger().CreateMint(ctx, mint, decimals, treasury); err != nil {
			return err
		}
		if err := tx.Audit().Log(ctx, "collateral_registered", map[string]any{
			"mint":     mint,
			"decimals": decimals,
		}); err != nil {
			return err
		}
		info, err = tx.Ledger().MintInfo(ctx, mint)
		return err
	})
	if err != nil {
		return domain.MintInfo{}, fmt.Errorf("collateral: register %s: %w", mint, err)
	}

	s.logger.InfoContext(ctx, "collateral: mint registered",
		slog.String("mint", mint),
		slog.Int("decimals", int(decimals)),
	)
	return info, nil
}

// Deposit mints amount of a treasury collateral mint to owner.
func (s *CollateralService) Deposit(ctx context.Context, mint, owner string, amount uint64) (uint64, error) {
	if amount == 0 || amount > domain.MaxAmount {
		return 0, domain.ErrInvalidAmount
	}
	if err := requireCaller(owner); err != nil {
		return 0, err
	}
	treasury, err := s.treasury()
	if err != nil {
		return 0, err
	}

	var balance uint64
	err = s.store.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		if err := tx.Ledger().MintTo(ctx, treasury, mint, owner, amount); err != nil {
			return err
		}
		if err := tx.Audit().Log(ctx, "collateral_deposited", map[string]any{
			"mint":   mint,
			"owner":  owner,
			"amount": amount,
		}); err != nil {
			return err
		}
		balance, err = tx.Ledger().BalanceOf(ctx, mint, owner)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("collateral: deposit %s: %w", mint, err)
	}

	s.logger.InfoContext(ctx, "collateral: deposited",
		slog.String("mint", mint),
		slog.String("owner", owner),
		slog.Uint64("amount", amount),
	)
	return balance, nil
}

// Balance returns owner's balance of mint.
func (s *CollateralService) Balance(ctx context.Context, mint, owner string) (uint64, error) {
	bal, err := s.store.Ledger().BalanceOf(ctx, mint, owner)
	if err != nil {
		return 0, fmt.Errorf("collateral: balance %s: %w", mint, err)
	}
	return bal, nil
}

// Info returns the mint's metadata.
func (s *CollateralService) Info(ctx context.Context, mint string) (domain.MintInfo, error) {
	info, err := s.store.Ledger().MintInfo(ctx, mint)
	if err != nil {
		return domain.MintInfo{}, fmt.Errorf("collateral: info %s: %w", mint, err)
	}
	return info, nil
}
