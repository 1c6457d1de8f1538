package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market records. Inside a transaction GetByID also
// serializes writers on the returned row.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id uint64) (Market, error)
	Update(ctx context.Context, market Market) error
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Market, error)
}

// ClaimStore is the claim ledger keyed by (market, claimant).
type ClaimStore interface {
	Get(ctx context.Context, marketID uint64, claimant string) (ClaimRecord, error)
	GetOrCreate(ctx context.Context, marketID uint64, claimant string) (ClaimRecord, error)
	MarkClaimed(ctx context.Context, marketID uint64, claimant string, amount uint64, at time.Time) error
	ListByMarket(ctx context.Context, marketID uint64) ([]ClaimRecord, error)
}

// AuditEntry is one row of the audit log. MarketID is nil for entries that
// are not about a single market, such as archive runs.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	MarketID  *uint64        `json:"market_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore is the append-only audit log. Entries written inside a
// transaction commit or roll back with it. Log files an entry under the
// market named by detail["market_id"], when present.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	History(ctx context.Context, marketID uint64, opts ListOpts) ([]AuditEntry, error)
}

// AuditMarketID extracts the market an audit detail refers to.
func AuditMarketID(detail map[string]any) *uint64 {
	switch v := detail["market_id"].(type) {
	case uint64:
		return &v
	case int:
		if v >= 0 {
			id := uint64(v)
			return &id
		}
	case int64:
		if v >= 0 {
			id := uint64(v)
			return &id
		}
	}
	return nil
}

// Store bundles the repositories that must change together. InTx runs fn
// against a Store bound to one transaction; fn's error rolls everything back.
type Store interface {
	Markets() MarketStore
	Claims() ClaimStore
	Ledger() TokenLedger
	Audit() AuditStore
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
