package memory

import (
	"context"

	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
)

type ledger struct{ s *Store }

func (l ledger) checkAuthority(op, mint string, authority derive.Capability, want string) error {
	if authority.IsZero() || authority.Address() != want || !authority.Verify(l.s.program) {
		return domain.NewLedgerError(op, mint, domain.ErrAuthorityMismatch)
	}
	return nil
}

func (l ledger) CreateMint(_ context.Context, mint string, decimals uint8, authority derive.Capability) error {
	return l.s.write(func(j *journal) error {
		if !authority.Verify(l.s.program) {
			return domain.NewLedgerError("create_mint", mint, domain.ErrAuthorityMismatch)
		}
		if _, ok := l.s.st.mints[mint]; ok {
			return domain.NewLedgerError("create_mint", mint, domain.ErrAlreadyExists)
		}
		journalSet(j, l.s.st.mints, mint, domain.MintInfo{
			Mint:      mint,
			Authority: authority.Address(),
			Decimals:  decimals,
		})
		return nil
	})
}

func (l ledger) MintInfo(_ context.Context, mint string) (domain.MintInfo, error) {
	var (
		info domain.MintInfo
		ok   bool
	)
	l.s.read(func() { info, ok = l.s.st.mints[mint] })
	if !ok {
		return domain.MintInfo{}, domain.NewLedgerError("mint_info", mint, domain.ErrUnknownMint)
	}
	return info, nil
}

func (l ledger) OpenAccount(_ context.Context, mint, owner string, authority derive.Capability) error {
	return l.s.write(func(j *journal) error {
		if _, ok := l.s.st.mints[mint]; !ok {
			return domain.NewLedgerError("open_account", mint, domain.ErrUnknownMint)
		}
		if !authority.Verify(l.s.program) {
			return domain.NewLedgerError("open_account", mint, domain.ErrAuthorityMismatch)
		}
		k := accountKey{mint, owner}
		if _, ok := l.s.st.accounts[k]; ok {
			return domain.NewLedgerError("open_account", mint, domain.ErrAlreadyExists)
		}
		journalSet(j, l.s.st.accounts, k, account{authority: authority.Address()})
		return nil
	})
}

func (l ledger) MintTo(_ context.Context, authority derive.Capability, mint, owner string, amount uint64) error {
	return l.s.write(func(j *journal) error {
		info, ok := l.s.st.mints[mint]
		if !ok {
			return domain.NewLedgerError("mint", mint, domain.ErrUnknownMint)
		}
		if info.Frozen {
			return domain.NewLedgerError("mint", mint, domain.ErrMintFrozen)
		}
		if err := l.checkAuthority("mint", mint, authority, info.Authority); err != nil {
			return err
		}
		supply, err := domain.CheckedAdd(info.Supply, amount)
		if err != nil {
			return domain.NewLedgerError("mint", mint, err)
		}
		k := accountKey{mint, owner}
		acct := l.s.st.accounts[k]
		if acct.authority != "" {
			return domain.NewLedgerError("mint", mint, domain.ErrAccountLocked)
		}
		bal, err := domain.CheckedAdd(acct.balance, amount)
		if err != nil {
			return domain.NewLedgerError("mint", mint, err)
		}
		info.Supply = supply
		acct.balance = bal
		journalSet(j, l.s.st.mints, mint, info)
		journalSet(j, l.s.st.accounts, k, acct)
		return nil
	})
}

func (l ledger) Burn(_ context.Context, mint, owner string, amount uint64) error {
	return l.s.write(func(j *journal) error {
		info, ok := l.s.st.mints[mint]
		if !ok {
			return domain.NewLedgerError("burn", mint, domain.ErrUnknownMint)
		}
		k := accountKey{mint, owner}
		acct := l.s.st.accounts[k]
		if acct.authority != "" {
			return domain.NewLedgerError("burn", mint, domain.ErrAccountLocked)
		}
		if acct.balance < amount {
			return domain.NewLedgerError("burn", mint, domain.ErrInsufficientBalance)
		}
		acct.balance -= amount
		info.Supply -= amount
		journalSet(j, l.s.st.accounts, k, acct)
		journalSet(j, l.s.st.mints, mint, info)
		return nil
	})
}

func (l ledger) Transfer(_ context.Context, mint, from, to string, amount uint64) error {
	return l.transfer("transfer", mint, from, to, amount, func(src account) error {
		if src.authority != "" {
			return domain.NewLedgerError("transfer", mint, domain.ErrAccountLocked)
		}
		return nil
	})
}

func (l ledger) TransferAs(_ context.Context, authority derive.Capability, mint, from, to string, amount uint64) error {
	return l.transfer("transfer", mint, from, to, amount, func(src account) error {
		return l.checkAuthority("transfer", mint, authority, src.authority)
	})
}

func (l ledger) transfer(op, mint, from, to string, amount uint64, authorize func(src account) error) error {
	return l.s.write(func(j *journal) error {
		if _, ok := l.s.st.mints[mint]; !ok {
			return domain.NewLedgerError(op, mint, domain.ErrUnknownMint)
		}
		srcKey, dstKey := accountKey{mint, from}, accountKey{mint, to}
		src := l.s.st.accounts[srcKey]
		if err := authorize(src); err != nil {
			return err
		}
		if src.balance < amount {
			return domain.NewLedgerError(op, mint, domain.ErrInsufficientBalance)
		}
		if from == to {
			return nil
		}
		dst := l.s.st.accounts[dstKey]
		bal, err := domain.CheckedAdd(dst.balance, amount)
		if err != nil {
			return domain.NewLedgerError(op, mint, err)
		}
		src.balance -= amount
		dst.balance = bal
		journalSet(j, l.s.st.accounts, srcKey, src)
		journalSet(j, l.s.st.accounts, dstKey, dst)
		return nil
	})
}

func (l ledger) BalanceOf(_ context.Context, mint, owner string) (uint64, error) {
	var (
		bal   uint64
		known bool
	)
	l.s.read(func() {
		_, known = l.s.st.mints[mint]
		bal = l.s.st.accounts[accountKey{mint, owner}].balance
	})
	if !known {
		return 0, domain.NewLedgerError("balance", mint, domain.ErrUnknownMint)
	}
	return bal, nil
}

func (l ledger) RevokeMintAuthority(_ context.Context, authority derive.Capability, mint string) error {
	return l.s.write(func(j *journal) error {
		info, ok := l.s.st.mints[mint]
		if !ok {
			return domain.NewLedgerError("revoke", mint, domain.ErrUnknownMint)
		}
		if info.Frozen {
			return nil
		}
		if err := l.checkAuthority("revoke", mint, authority, info.Authority); err != nil {
			return err
		}
		info.Frozen = true
		journalSet(j, l.s.st.mints, mint, info)
		return nil
	})
}
