package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// AuditStore writes audit_log rows through the store's querier, so entries
// logged from InTx share the operation's transaction.
type AuditStore struct {
	q querier
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	var doc []byte
	if len(detail) > 0 {
		var err error
		if doc, err = json.Marshal(detail); err != nil {
			return fmt.Errorf("postgres: audit %s: encode detail: %w", event, err)
		}
	}

	var marketID *string
	if id := domain.AuditMarketID(detail); id != nil {
		v := idArg(*id)
		marketID = &v
	}

	_, err := s.q.Exec(ctx,
		`INSERT INTO audit_log (event, market_id, detail) VALUES ($1, $2::numeric, $3)`,
		event, marketID, doc)
	if err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// History returns the entries of one market, newest first. A zero
// opts.Limit means no limit.
func (s *AuditStore) History(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}
	rows, err := s.q.Query(ctx, `
		SELECT id, event, market_id::text, detail, created_at
		FROM audit_log
		WHERE market_id = $1::numeric
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY id DESC
		LIMIT $4 OFFSET $5`,
		idArg(marketID), opts.Since, opts.Until, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit history of market %d: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e   domain.AuditEntry
			mid *string
			doc []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &mid, &doc, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: audit history of market %d: scan: %w", marketID, err)
		}
		if mid != nil {
			id, err := parseID(*mid)
			if err != nil {
				return nil, err
			}
			e.MarketID = &id
		}
		if len(doc) > 0 {
			if err := json.Unmarshal(doc, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: audit entry %d: decode detail: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.AuditStore = (*AuditStore)(nil)
