package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// MarketStore implements domain.MarketStore. Inside a transaction GetByID
// locks the row until commit.
type MarketStore struct {
	q         querier
	forUpdate bool
}

const marketCols = `id::text, authority, collateral_mint, vault,
	outcome_mint_yes, outcome_mint_no, settlement_deadline,
	total_collateral_locked, is_settled, winning_outcome, metadata_url,
	created_at, updated_at, settled_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		id      string
		outcome string
	)
	err := row.Scan(
		&id, &m.Authority, &m.CollateralMint, &m.Vault,
		&m.OutcomeMintYes, &m.OutcomeMintNo, &m.SettlementDeadline,
		&m.TotalCollateralLocked, &m.IsSettled, &outcome, &m.MetadataURL,
		&m.CreatedAt, &m.UpdatedAt, &m.SettledAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if m.ID, err = parseID(id); err != nil {
		return domain.Market{}, err
	}
	if m.WinningOutcome, err = domain.ParseOutcome(outcome); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// Create inserts a new market row.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, authority, collateral_mint, vault,
			outcome_mint_yes, outcome_mint_no, settlement_deadline,
			total_collateral_locked, is_settled, winning_outcome, metadata_url,
			created_at, updated_at, settled_at
		) VALUES (
			$1::numeric, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			COALESCE($12, NOW()), NOW(), $13
		)`

	var createdAt *time.Time
	if !m.CreatedAt.IsZero() {
		createdAt = &m.CreatedAt
	}
	_, err := s.q.Exec(ctx, query,
		idArg(m.ID), m.Authority, m.CollateralMint, m.Vault,
		m.OutcomeMintYes, m.OutcomeMintNo, m.SettlementDeadline,
		m.TotalCollateralLocked, m.IsSettled, m.WinningOutcome.String(), m.MetadataURL,
		createdAt, m.SettledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create market %d: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %d: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by id.
func (s *MarketStore) GetByID(ctx context.Context, id uint64) (domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE id = $1::numeric`
	if s.forUpdate {
		query += ` FOR UPDATE`
	}
	m, err := scanMarket(s.q.QueryRow(ctx, query, idArg(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

// Update writes the mutable fields of m.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			total_collateral_locked = $2,
			is_settled              = $3,
			winning_outcome         = $4,
			metadata_url            = $5,
			settled_at              = $6,
			updated_at              = NOW()
		WHERE id = $1::numeric`

	tag, err := s.q.Exec(ctx, query,
		idArg(m.ID), m.TotalCollateralLocked, m.IsSettled,
		m.WinningOutcome.String(), m.MetadataURL, m.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

// List returns markets ordered by id with pagination and optional creation
// time filtering.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list markets", query, args...)
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.q.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// ListSettledBefore returns markets settled strictly before the cutoff.
func (s *MarketStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE is_settled AND settled_at < $1 ORDER BY id`
	return s.query(ctx, "list settled markets", query, before)
}

func (s *MarketStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return markets, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
