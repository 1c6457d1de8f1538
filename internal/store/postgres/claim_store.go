package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// ClaimStore implements domain.ClaimStore on the claim_records table.
type ClaimStore struct {
	q querier
}

const claimCols = `market_id::text, claimant, claimed, amount, claimed_at, created_at`

func scanClaim(row pgx.Row) (domain.ClaimRecord, error) {
	var (
		c  domain.ClaimRecord
		id string
	)
	if err := row.Scan(&id, &c.Claimant, &c.Claimed, &c.Amount, &c.ClaimedAt, &c.CreatedAt); err != nil {
		return domain.ClaimRecord{}, err
	}
	var err error
	c.MarketID, err = parseID(id)
	return c, err
}

// Get returns the claim record for (marketID, claimant).
func (s *ClaimStore) Get(ctx context.Context, marketID uint64, claimant string) (domain.ClaimRecord, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+claimCols+` FROM claim_records WHERE market_id = $1::numeric AND claimant = $2`,
		idArg(marketID), claimant)
	c, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClaimRecord{}, fmt.Errorf("postgres: get claim %d/%s: %w", marketID, claimant, domain.ErrNotFound)
		}
		return domain.ClaimRecord{}, fmt.Errorf("postgres: get claim %d/%s: %w", marketID, claimant, err)
	}
	return c, nil
}

// GetOrCreate returns the record for (marketID, claimant), inserting an
// unclaimed one first if needed. The row stays locked until the surrounding
// transaction ends.
func (s *ClaimStore) GetOrCreate(ctx context.Context, marketID uint64, claimant string) (domain.ClaimRecord, error) {
	const insert = `
		INSERT INTO claim_records (market_id, claimant)
		VALUES ($1::numeric, $2)
		ON CONFLICT (market_id, claimant) DO NOTHING`
	if _, err := s.q.Exec(ctx, insert, idArg(marketID), claimant); err != nil {
		return domain.ClaimRecord{}, fmt.Errorf("postgres: create claim %d/%s: %w", marketID, claimant, err)
	}

	row := s.q.QueryRow(ctx,
		`SELECT `+claimCols+` FROM claim_records
		 WHERE market_id = $1::numeric AND claimant = $2 FOR UPDATE`,
		idArg(marketID), claimant)
	c, err := scanClaim(row)
	if err != nil {
		return domain.ClaimRecord{}, fmt.Errorf("postgres: load claim %d/%s: %w", marketID, claimant, err)
	}
	return c, nil
}

// MarkClaimed flips an unclaimed record to claimed.
func (s *ClaimStore) MarkClaimed(ctx context.Context, marketID uint64, claimant string, amount uint64, at time.Time) error {
	const query = `
		UPDATE claim_records SET claimed = TRUE, amount = $3, claimed_at = $4
		WHERE market_id = $1::numeric AND claimant = $2 AND NOT claimed`

	tag, err := s.q.Exec(ctx, query, idArg(marketID), claimant, amount, at)
	if err != nil {
		return fmt.Errorf("postgres: mark claimed %d/%s: %w", marketID, claimant, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Either the record is missing or it was already claimed.
	if _, err := s.Get(ctx, marketID, claimant); err != nil {
		return err
	}
	return fmt.Errorf("postgres: mark claimed %d/%s: %w", marketID, claimant, domain.ErrRewardAlreadyClaimed)
}

// ListByMarket returns every claim record of a market ordered by claimant.
func (s *ClaimStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.ClaimRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+claimCols+` FROM claim_records WHERE market_id = $1::numeric ORDER BY claimant`,
		idArg(marketID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims %d: %w", marketID, err)
	}
	defer rows.Close()

	var claims []domain.ClaimRecord
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims %d rows: %w", marketID, err)
	}
	return claims, nil
}

var _ domain.ClaimStore = (*ClaimStore)(nil)
