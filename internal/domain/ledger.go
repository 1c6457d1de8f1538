package domain

import (
	"context"

	"github.com/alanyoungcy/marketsettle/internal/derive"
)

// MintInfo describes a fungible token mint.
type MintInfo struct {
	Mint      string `json:"mint"`
	Authority string `json:"authority"`
	Decimals  uint8  `json:"decimals"`
	Supply    uint64 `json:"supply"`
	Frozen    bool   `json:"frozen"`
}

// TokenLedger is the fungible-token ledger the engine settles against.
// Minting, and moving funds out of an authority-owned account, require a
// capability whose address matches the recorded authority. Every failure is
// a *LedgerError.
type TokenLedger interface {
	CreateMint(ctx context.Context, mint string, decimals uint8, authority derive.Capability) error
	MintInfo(ctx context.Context, mint string) (MintInfo, error)
	OpenAccount(ctx context.Context, mint, owner string, authority derive.Capability) error
	MintTo(ctx context.Context, authority derive.Capability, mint, owner string, amount uint64) error
	Burn(ctx context.Context, mint, owner string, amount uint64) error
	Transfer(ctx context.Context, mint, from, to string, amount uint64) error
	TransferAs(ctx context.Context, authority derive.Capability, mint, from, to string, amount uint64) error
	BalanceOf(ctx context.Context, mint, owner string) (uint64, error)
	RevokeMintAuthority(ctx context.Context, authority derive.Capability, mint string) error
}
