package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNothingToClaim       = errors.New("nothing to claim")
	ErrMarketAlreadySettled = errors.New("market already settled")
	ErrMarketNotSettled     = errors.New("market not settled")
	ErrRewardAlreadyClaimed = errors.New("reward already claimed")
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInvalidDeadline      = errors.New("invalid settlement deadline")
	ErrMarketExpired        = errors.New("market expired")
	ErrSettlementTooEarly   = errors.New("settlement deadline not reached")
	ErrMathOverflow         = errors.New("math overflow")
	ErrMetadataTooLong      = errors.New("metadata url too long")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// Ledger failure reasons. They reach callers wrapped in a *LedgerError.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownMint         = errors.New("unknown mint")
	ErrAuthorityMismatch   = errors.New("authority mismatch")
	ErrMintFrozen          = errors.New("mint authority revoked")
	ErrAccountLocked       = errors.New("account is owned by an authority")
)

// LedgerError is returned by TokenLedger implementations. It lets callers
// tell a rejected transfer apart from a violated market rule.
type LedgerError struct {
	Op   string
	Mint string
	Err  error
}

func (e *LedgerError) Error() string {
	if e.Mint == "" {
		return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.Mint, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// NewLedgerError builds a *LedgerError for op on mint.
func NewLedgerError(op, mint string, err error) error {
	return &LedgerError{Op: op, Mint: mint, Err: err}
}

// errorCodes maps sentinels to the stable codes exposed over the API.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrRateLimited, "rate_limited"},
	{ErrUnauthorized, "unauthorized"},
	{ErrLockHeld, "market_busy"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrNothingToClaim, "nothing_to_claim"},
	{ErrMarketAlreadySettled, "market_already_settled"},
	{ErrMarketNotSettled, "market_not_settled"},
	{ErrRewardAlreadyClaimed, "reward_already_claimed"},
	{ErrInvalidOutcome, "invalid_outcome"},
	{ErrInvalidDeadline, "invalid_settlement_deadline"},
	{ErrMarketExpired, "market_expired"},
	{ErrSettlementTooEarly, "settlement_too_early"},
	{ErrMathOverflow, "math_overflow"},
	{ErrMetadataTooLong, "metadata_url_too_long"},
	{ErrInvalidSignature, "invalid_signature"},
}

var ledgerCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrUnknownMint, "unknown_mint"},
	{ErrAuthorityMismatch, "authority_mismatch"},
	{ErrMintFrozen, "mint_frozen"},
	{ErrAccountLocked, "account_locked"},
	{ErrAlreadyExists, "account_exists"},
	{ErrMathOverflow, "supply_overflow"},
}

// ErrorCode returns a snake_case code for err, or "internal" when err is not
// one of the domain errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		for _, c := range ledgerCodes {
			if errors.Is(le.Err, c.err) {
				return "ledger_" + c.code
			}
		}
		return "ledger_error"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
