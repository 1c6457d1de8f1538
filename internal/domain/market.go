package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxAmount bounds every token amount and running total so values fit a
// signed 64-bit column.
const MaxAmount uint64 = math.MaxInt64

// MaxMetadataURLLen is the longest metadata URL a market may carry.
const MaxMetadataURLLen = 200

// Outcome is the resolved side of a binary market.
type Outcome uint8

const (
	OutcomeUnset Outcome = iota
	OutcomeYes
	OutcomeNo
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return "unset"
	}
}

// ParseOutcome accepts "yes"/"no" (case-insensitive) and the long forms
// "outcome_yes"/"outcome_no".
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "outcome_yes":
		return OutcomeYes, nil
	case "no", "outcome_no":
		return OutcomeNo, nil
	case "unset", "":
		return OutcomeUnset, nil
	default:
		return OutcomeUnset, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
}

// Decided reports whether o names a winning side.
func (o Outcome) Decided() bool {
	return o == OutcomeYes || o == OutcomeNo
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	v, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Market is the authoritative state of one binary market. Vault and outcome
// mints are derived addresses controlled only by the engine.
type Market struct {
	ID                    uint64     `json:"id"`
	Authority             string     `json:"authority"`
	CollateralMint        string     `json:"collateral_mint"`
	Vault                 string     `json:"vault"`
	OutcomeMintYes        string     `json:"outcome_mint_yes"`
	OutcomeMintNo         string     `json:"outcome_mint_no"`
	SettlementDeadline    time.Time  `json:"settlement_deadline"`
	TotalCollateralLocked uint64     `json:"total_collateral_locked"`
	IsSettled             bool       `json:"is_settled"`
	WinningOutcome        Outcome    `json:"winning_outcome"`
	MetadataURL           string     `json:"metadata_url,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	SettledAt             *time.Time `json:"settled_at,omitempty"`
}

// WinningMint returns the outcome mint that redeems for collateral. The
// boolean is false until the market is settled.
func (m Market) WinningMint() (string, bool) {
	if !m.IsSettled {
		return "", false
	}
	switch m.WinningOutcome {
	case OutcomeYes:
		return m.OutcomeMintYes, true
	case OutcomeNo:
		return m.OutcomeMintNo, true
	default:
		return "", false
	}
}

// ClaimRecord marks that a claimant has redeemed winning tokens of a market.
type ClaimRecord struct {
	MarketID  uint64     `json:"market_id"`
	Claimant  string     `json:"claimant"`
	Claimed   bool       `json:"claimed"`
	Amount    uint64     `json:"amount"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Balances is a holder's position in one market.
type Balances struct {
	MarketID   uint64 `json:"market_id"`
	Owner      string `json:"owner"`
	Collateral uint64 `json:"collateral"`
	Yes        uint64 `json:"yes"`
	No         uint64 `json:"no"`
}

// Reconciliation compares a market's vault balance with its bookkeeping.
type Reconciliation struct {
	MarketID              uint64 `json:"market_id"`
	VaultBalance          uint64 `json:"vault_balance"`
	TotalCollateralLocked uint64 `json:"total_collateral_locked"`
	Balanced              bool   `json:"balanced"`
}

// CheckedAdd returns a+b or ErrMathOverflow when the sum exceeds MaxAmount.
func CheckedAdd(a, b uint64) (uint64, error) {
	if b > MaxAmount || a > MaxAmount-b {
		return 0, ErrMathOverflow
	}
	return a + b, nil
}

// CheckedSub returns a-b or ErrMathOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrMathOverflow
	}
	return a - b, nil
}
