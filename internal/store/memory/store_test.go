package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
)

func setup(t *testing.T) (*Store, *derive.Authority) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	auth, err := derive.NewAuthority(key)
	require.NoError(t, err)
	return New(auth.Program()), auth
}

func treasury(t *testing.T, a *derive.Authority) derive.Capability {
	t.Helper()
	c, err := a.Capability(derive.TagTreasury, 0)
	require.NoError(t, err)
	return c
}

func TestMarketCreateDuplicate(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Markets().Create(ctx, domain.Market{ID: 1}))
	err := s.Markets().Create(ctx, domain.Market{ID: 1})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = s.Markets().GetByID(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInTxRollsBackEveryWrite(t *testing.T) {
	s, a := setup(t)
	ctx := context.Background()
	cap := treasury(t, a)

	require.NoError(t, s.Ledger().CreateMint(ctx, "USDC", 6, cap))
	require.NoError(t, s.Ledger().MintTo(ctx, cap, "USDC", "alice", 100))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		require.NoError(t, tx.Markets().Create(ctx, domain.Market{ID: 9}))
		require.NoError(t, tx.Ledger().Transfer(ctx, "USDC", "alice", "bob", 60))
		_, err := tx.Claims().GetOrCreate(ctx, 9, "alice")
		require.NoError(t, err)
		require.NoError(t, tx.Audit().Log(ctx, "x", map[string]any{"market_id": uint64(9)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Markets().GetByID(ctx, 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Claims().Get(ctx, 9, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	alice, err := s.Ledger().BalanceOf(ctx, "USDC", "alice")
	require.NoError(t, err)
	bob, err := s.Ledger().BalanceOf(ctx, "USDC", "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), alice)
	assert.Equal(t, uint64(0), bob)

	entries, err := s.Audit().History(ctx, 9, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInTxCommits(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx domain.Store) error {
		return tx.Markets().Create(ctx, domain.Market{ID: 4})
	})
	require.NoError(t, err)

	m, err := s.Markets().GetByID(ctx, 4)
	require.NoError(t, err)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestLedgerRules(t *testing.T) {
	s, a := setup(t)
	ctx := context.Background()
	cap := treasury(t, a)
	vaultCap, err := a.Capability(derive.TagMarket, 1)
	require.NoError(t, err)
	vault := a.Addresses(1).Vault

	require.NoError(t, s.Ledger().CreateMint(ctx, "USDC", 6, cap))
	require.NoError(t, s.Ledger().OpenAccount(ctx, "USDC", vault, vaultCap))
	require.NoError(t, s.Ledger().MintTo(ctx, cap, "USDC", "alice", 50))

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"unknown mint", func() error { return s.Ledger().Transfer(ctx, "DAI", "alice", "bob", 1) }, domain.ErrUnknownMint},
		{"insufficient", func() error { return s.Ledger().Transfer(ctx, "USDC", "alice", "bob", 51) }, domain.ErrInsufficientBalance},
		{"mint without authority", func() error { return s.Ledger().MintTo(ctx, vaultCap, "USDC", "bob", 1) }, domain.ErrAuthorityMismatch},
		{"mint with zero capability", func() error { return s.Ledger().MintTo(ctx, derive.Capability{}, "USDC", "bob", 1) }, domain.ErrAuthorityMismatch},
		{"mint into vault", func() error { return s.Ledger().MintTo(ctx, cap, "USDC", vault, 1) }, domain.ErrAccountLocked},
		{"plain transfer out of vault", func() error { return s.Ledger().Transfer(ctx, "USDC", vault, "bob", 0) }, domain.ErrAccountLocked},
		{"vault transfer with wrong capability", func() error { return s.Ledger().TransferAs(ctx, cap, "USDC", vault, "bob", 0) }, domain.ErrAuthorityMismatch},
		{"reopen account", func() error { return s.Ledger().OpenAccount(ctx, "USDC", vault, vaultCap) }, domain.ErrAlreadyExists},
		{"duplicate mint", func() error { return s.Ledger().CreateMint(ctx, "USDC", 6, cap) }, domain.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var le *domain.LedgerError
			assert.ErrorAs(t, err, &le)
		})
	}

	// Funds in and out of the vault with the right capability.
	require.NoError(t, s.Ledger().Transfer(ctx, "USDC", "alice", vault, 20))
	require.NoError(t, s.Ledger().TransferAs(ctx, vaultCap, "USDC", vault, "bob", 5))

	vb, err := s.Ledger().BalanceOf(ctx, "USDC", vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), vb)
}

func TestRevokeFreezesMint(t *testing.T) {
	s, a := setup(t)
	ctx := context.Background()
	cap := treasury(t, a)

	require.NoError(t, s.Ledger().CreateMint(ctx, "YES", 6, cap))
	require.NoError(t, s.Ledger().MintTo(ctx, cap, "YES", "alice", 10))
	require.NoError(t, s.Ledger().RevokeMintAuthority(ctx, cap, "YES"))

	err := s.Ledger().MintTo(ctx, cap, "YES", "alice", 1)
	assert.ErrorIs(t, err, domain.ErrMintFrozen)

	// Burning stays possible after the freeze.
	require.NoError(t, s.Ledger().Burn(ctx, "YES", "alice", 10))
	info, err := s.Ledger().MintInfo(ctx, "YES")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.Supply)
	assert.True(t, info.Frozen)
}

func TestClaimLedger(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	c, err := s.Claims().GetOrCreate(ctx, 1, "alice")
	require.NoError(t, err)
	assert.False(t, c.Claimed)

	now := time.Now().UTC()
	require.NoError(t, s.Claims().MarkClaimed(ctx, 1, "alice", 30, now))

	c, err = s.Claims().GetOrCreate(ctx, 1, "alice")
	require.NoError(t, err)
	assert.True(t, c.Claimed)
	assert.Equal(t, uint64(30), c.Amount)

	err = s.Claims().MarkClaimed(ctx, 1, "alice", 30, now)
	assert.ErrorIs(t, err, domain.ErrRewardAlreadyClaimed)

	list, err := s.Claims().ListByMarket(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListSettledBefore(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	require.NoError(t, s.Markets().Create(ctx, domain.Market{ID: 1, IsSettled: true, SettledAt: &old}))
	require.NoError(t, s.Markets().Create(ctx, domain.Market{ID: 2, IsSettled: true, SettledAt: &recent}))
	require.NoError(t, s.Markets().Create(ctx, domain.Market{ID: 3}))

	got, err := s.Markets().ListSettledBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ID)
}
