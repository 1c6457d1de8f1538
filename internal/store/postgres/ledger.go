package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// Ledger implements domain.TokenLedger on token_mints and token_accounts.
// Each call runs in its own transaction, or in a savepoint when the Ledger
// belongs to a Store handed out by InTx.
type Ledger struct {
	q       querier
	program common.Address
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (l *Ledger) atomic(ctx context.Context, fn func(q querier) error) error {
	b, ok := l.q.(beginner)
	if !ok {
		return fn(l.q)
	}
	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error { return fn(tx) })
}

func (l *Ledger) verify(op, mint string, authority derive.Capability, want string) error {
	if authority.IsZero() || !authority.Verify(l.program) {
		return domain.NewLedgerError(op, mint, domain.ErrAuthorityMismatch)
	}
	if want != "" && authority.Address() != want {
		return domain.NewLedgerError(op, mint, domain.ErrAuthorityMismatch)
	}
	return nil
}

func lockMint(ctx context.Context, q querier, op, mint string) (domain.MintInfo, error) {
	info := domain.MintInfo{Mint: mint}
	var decimals int16
	err := q.QueryRow(ctx,
		`SELECT authority, decimals, supply, frozen FROM token_mints WHERE mint = $1 FOR UPDATE`, mint,
	).Scan(&info.Authority, &decimals, &info.Supply, &info.Frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MintInfo{}, domain.NewLedgerError(op, mint, domain.ErrUnknownMint)
	}
	if err != nil {
		return domain.MintInfo{}, fmt.Errorf("postgres: %s %s: %w", op, mint, err)
	}
	info.Decimals = uint8(decimals)
	return info, nil
}

// lockAccount returns the balance and authority of an account, locking the
// row. A missing account reads as an empty, unowned one.
func lockAccount(ctx context.Context, q querier, op, mint, owner string) (uint64, string, error) {
	var (
		balance   uint64
		authority string
	)
	err := q.QueryRow(ctx,
		`SELECT balance, authority FROM token_accounts WHERE mint = $1 AND owner = $2 FOR UPDATE`,
		mint, owner,
	).Scan(&balance, &authority)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("postgres: %s %s: load account %s: %w", op, mint, owner, err)
	}
	return balance, authority, nil
}

// credit adds amount to an account, creating it when missing.
func credit(ctx context.Context, q querier, op, mint, owner string, amount uint64) error {
	const query = `
		INSERT INTO token_accounts (mint, owner, balance) VALUES ($1, $2, $3)
		ON CONFLICT (mint, owner) DO UPDATE
			SET balance = token_accounts.balance + EXCLUDED.balance, updated_at = NOW()
			WHERE token_accounts.balance <= $4 - EXCLUDED.balance
		RETURNING balance`
	var bal uint64
	err := q.QueryRow(ctx, query, mint, owner, amount, domain.MaxAmount).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewLedgerError(op, mint, domain.ErrMathOverflow)
	}
	if err != nil {
		return fmt.Errorf("postgres: %s %s: credit %s: %w", op, mint, owner, err)
	}
	return nil
}

func debit(ctx context.Context, q querier, op, mint, owner string, amount uint64) error {
	_, err := q.Exec(ctx,
		`UPDATE token_accounts SET balance = balance - $3, updated_at = NOW() WHERE mint = $1 AND owner = $2`,
		mint, owner, amount)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: debit %s: %w", op, mint, owner, err)
	}
	return nil
}

// CreateMint registers a mint whose authority is the capability's address.
func (l *Ledger) CreateMint(ctx context.Context, mint string, decimals uint8, authority derive.Capability) error {
	if err := l.verify("create_mint", mint, authority, ""); err != nil {
		return err
	}
	_, err := l.q.Exec(ctx,
		`INSERT INTO token_mints (mint, authority, decimals) VALUES ($1, $2, $3)`,
		mint, authority.Address(), int16(decimals))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewLedgerError("create_mint", mint, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create mint %s: %w", mint, err)
	}
	return nil
}

// MintInfo returns the mint's authority, decimals, supply and freeze state.
func (l *Ledger) MintInfo(ctx context.Context, mint string) (domain.MintInfo, error) {
	info := domain.MintInfo{Mint: mint}
	var decimals int16
	err := l.q.QueryRow(ctx,
		`SELECT authority, decimals, supply, frozen FROM token_mints WHERE mint = $1`, mint,
	).Scan(&info.Authority, &decimals, &info.Supply, &info.Frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MintInfo{}, domain.NewLedgerError("mint_info", mint, domain.ErrUnknownMint)
	}
	if err != nil {
		return domain.MintInfo{}, fmt.Errorf("postgres: mint info %s: %w", mint, err)
	}
	info.Decimals = uint8(decimals)
	return info, nil
}

// OpenAccount creates an empty account owned by authority.
func (l *Ledger) OpenAccount(ctx context.Context, mint, owner string, authority derive.Capability) error {
	return l.atomic(ctx, func(q querier) error {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM token_mints WHERE mint = $1)`, mint).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: open account %s: %w", mint, err)
		}
		if !exists {
			return domain.NewLedgerError("open_account", mint, domain.ErrUnknownMint)
		}
		if err := l.verify("open_account", mint, authority, ""); err != nil {
			return err
		}
		_, err := q.Exec(ctx,
			`INSERT INTO token_accounts (mint, owner, authority) VALUES ($1, $2, $3)`,
			mint, owner, authority.Address())
		if err != nil {
			if isUniqueViolation(err) {
				return domain.NewLedgerError("open_account", mint, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("postgres: open account %s/%s: %w", mint, owner, err)
		}
		return nil
	})
}

// MintTo issues amount new tokens to owner. Authority-owned accounts cannot
// be minted into.
func (l *Ledger) MintTo(ctx context.Context, authority derive.Capability, mint, owner string, amount uint64) error {
	return l.atomic(ctx, func(q querier) error {
		info, err := lockMint(ctx, q, "mint", mint)
		if err != nil {
			return err
		}
		if info.Frozen {
			return domain.NewLedgerError("mint", mint, domain.ErrMintFrozen)
		}
		if err := l.verify("mint", mint, authority, info.Authority); err != nil {
			return err
		}
		supply, err := domain.CheckedAdd(info.Supply, amount)
		if err != nil {
			return domain.NewLedgerError("mint", mint, err)
		}
		_, acctAuthority, err := lockAccount(ctx, q, "mint", mint, owner)
		if err != nil {
			return err
		}
		if acctAuthority != "" {
			return domain.NewLedgerError("mint", mint, domain.ErrAccountLocked)
		}
		if err := credit(ctx, q, "mint", mint, owner, amount); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `UPDATE token_mints SET supply = $2 WHERE mint = $1`, mint, supply); err != nil {
			return fmt.Errorf("postgres: mint %s: update supply: %w", mint, err)
		}
		return nil
	})
}

// Burn destroys amount tokens held by owner. Authority-owned accounts cannot
// be burned from.
func (l *Ledger) Burn(ctx context.Context, mint, owner string, amount uint64) error {
	return l.atomic(ctx, func(q querier) error {
		info, err := lockMint(ctx, q, "burn", mint)
		if err != nil {
			return err
		}
		balance, acctAuthority, err := lockAccount(ctx, q, "burn", mint, owner)
		if err != nil {
			return err
		}
		if acctAuthority != "" {
			return domain.NewLedgerError("burn", mint, domain.ErrAccountLocked)
		}
		if balance < amount {
			return domain.NewLedgerError("burn", mint, domain.ErrInsufficientBalance)
		}
		if err := debit(ctx, q, "burn", mint, owner, amount); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `UPDATE token_mints SET supply = $2 WHERE mint = $1`, mint, info.Supply-amount); err != nil {
			return fmt.Errorf("postgres: burn %s: update supply: %w", mint, err)
		}
		return nil
	})
}

// Transfer moves tokens out of an account that has no owning authority.
func (l *Ledger) Transfer(ctx context.Context, mint, from, to string, amount uint64) error {
	return l.transfer(ctx, mint, from, to, amount, func(acctAuthority string) error {
		if acctAuthority != "" {
			return domain.NewLedgerError("transfer", mint, domain.ErrAccountLocked)
		}
		return nil
	})
}

// TransferAs moves tokens out of an authority-owned account.
func (l *Ledger) TransferAs(ctx context.Context, authority derive.Capability, mint, from, to string, amount uint64) error {
	return l.transfer(ctx, mint, from, to, amount, func(acctAuthority string) error {
		if acctAuthority == "" {
			return domain.NewLedgerError("transfer", mint, domain.ErrAuthorityMismatch)
		}
		return l.verify("transfer", mint, authority, acctAuthority)
	})
}

func (l *Ledger) transfer(ctx context.Context, mint, from, to string, amount uint64, authorize func(acctAuthority string) error) error {
	return l.atomic(ctx, func(q querier) error {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM token_mints WHERE mint = $1)`, mint).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: transfer %s: %w", mint, err)
		}
		if !exists {
			return domain.NewLedgerError("transfer", mint, domain.ErrUnknownMint)
		}
		balance, acctAuthority, err := lockAccount(ctx, q, "transfer", mint, from)
		if err != nil {
			return err
		}
		if err := authorize(acctAuthority); err != nil {
			return err
		}
		if balance < amount {
			return domain.NewLedgerError("transfer", mint, domain.ErrInsufficientBalance)
		}
		if from == to || amount == 0 {
			return nil
		}
		if err := debit(ctx, q, "transfer", mint, from, amount); err != nil {
			return err
		}
		return credit(ctx, q, "transfer", mint, to, amount)
	})
}

// BalanceOf returns owner's balance. A missing account has balance zero.
func (l *Ledger) BalanceOf(ctx context.Context, mint, owner string) (uint64, error) {
	const query = `
		SELECT m.mint IS NOT NULL, COALESCE(a.balance, 0)
		FROM (SELECT $1::text AS mint) k
		LEFT JOIN token_mints m ON m.mint = k.mint
		LEFT JOIN token_accounts a ON a.mint = k.mint AND a.owner = $2`
	var (
		known   bool
		balance uint64
	)
	if err := l.q.QueryRow(ctx, query, mint, owner).Scan(&known, &balance); err != nil {
		return 0, fmt.Errorf("postgres: balance %s/%s: %w", mint, owner, err)
	}
	if !known {
		return 0, domain.NewLedgerError("balance", mint, domain.ErrUnknownMint)
	}
	return balance, nil
}

// RevokeMintAuthority freezes a mint. Revoking a frozen mint is a no-op.
func (l *Ledger) RevokeMintAuthority(ctx context.Context, authority derive.Capability, mint string) error {
	return l.atomic(ctx, func(q querier) error {
		info, err := lockMint(ctx, q, "revoke", mint)
		if err != nil {
			return err
		}
		if info.Frozen {
			return nil
		}
		if err := l.verify("revoke", mint, authority, info.Authority); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `UPDATE token_mints SET frozen = TRUE WHERE mint = $1`, mint); err != nil {
			return fmt.Errorf("postgres: revoke %s: %w", mint, err)
		}
		return nil
	})
}

var _ domain.TokenLedger = (*Ledger)(nil)
